package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	cli "github.com/spf13/pflag"

	widgethandler "github.com/zhouzirui/care-assistant/backend/internal/handler/widget"
	"github.com/zhouzirui/care-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/service/widget"
)

// wireEvent mirrors widget.Event with a deferred payload.
type wireEvent struct {
	Type      widget.EventType `json:"type"`
	SessionID string           `json:"sessionId"`
	Data      json.RawMessage  `json:"data"`
	Timestamp int64            `json:"timestamp"`
}

var (
	botStyle   = color.New(color.FgCyan, color.OpBold)
	userStyle  = color.New(color.FgGreen)
	infoStyle  = color.New(color.FgGray)
	errorStyle = color.New(color.FgRed, color.OpBold)
)

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	server := cli.StringP("server", "s", "http://localhost:8080", "Care Assistant server base URL")
	noColor := cli.Bool("no-color", false, "Disable coloured output")
	cli.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("[WARN] 无法加载 %s，改用系统环境变量: %v", *envFile, err)
	}
	if *noColor {
		color.Enable = false
	}

	client := &apiClient{base: strings.TrimRight(*server, "/") + "/api/widget/sessions", http: &http.Client{Timeout: 30 * time.Second}}

	snapshot, err := client.mount()
	if err != nil {
		log.Fatalf("无法创建组件会话: %v", err)
	}
	sessionID := snapshot.SessionID
	infoStyle.Printf("session %s\n", sessionID)

	conn, err := dial(*server, sessionID)
	if err != nil {
		log.Fatalf("无法连接事件流: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readEvents(conn)
	}()

	fmt.Println("Type a message, or /rec, /stop, /status, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var cmd widgethandler.Command
		switch line {
		case "/quit":
			if err := client.unmount(sessionID); err != nil {
				errorStyle.Printf("unmount failed: %v\n", err)
			}
			<-done
			return
		case "/status":
			snap, err := client.snapshot(sessionID)
			if err != nil {
				errorStyle.Printf("status failed: %v\n", err)
				continue
			}
			printStatus(snap.Status, len(snap.Messages))
			continue
		case "/rec":
			cmd = widgethandler.Command{Type: widgethandler.CommandStart}
		case "/stop":
			cmd = widgethandler.Command{Type: widgethandler.CommandStop}
		default:
			payload, _ := json.Marshal(map[string]string{"text": line})
			cmd = widgethandler.Command{Type: widgethandler.CommandText, Data: payload}
		}

		if err := conn.WriteJSON(cmd); err != nil {
			log.Fatalf("发送指令失败: %v", err)
		}
	}

	_ = client.unmount(sessionID)
}

func dial(server, sessionID string) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/widget/sessions/" + sessionID + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func readEvents(conn *websocket.Conn) {
	lastElapsed := -1
	for {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				infoStyle.Printf("event stream ended: %v\n", err)
			}
			return
		}

		switch ev.Type {
		case widget.EventSnapshot:
			var snap widgethandler.Snapshot
			if json.Unmarshal(ev.Data, &snap) == nil {
				for _, msg := range snap.Messages {
					printMessage(msg)
				}
			}
		case widget.EventMessage:
			var msg chat.Message
			if json.Unmarshal(ev.Data, &msg) == nil {
				printMessage(msg)
			}
		case widget.EventStatus:
			var status chat.Status
			if json.Unmarshal(ev.Data, &status) != nil {
				continue
			}
			switch {
			case status.Recording && lastElapsed < 0:
				infoStyle.Println("● recording")
				lastElapsed = 0
			case !status.Recording && lastElapsed >= 0:
				infoStyle.Println("■ stopped")
				lastElapsed = -1
			}
			if status.Loading {
				infoStyle.Println("… typing")
			}
		case widget.EventTick:
			var tick widget.TickData
			if json.Unmarshal(ev.Data, &tick) == nil {
				lastElapsed = tick.ElapsedSeconds
				infoStyle.Printf("  %s\n", formatElapsed(tick.ElapsedSeconds))
			}
		case widget.EventError:
			var data widgethandler.ErrorData
			if json.Unmarshal(ev.Data, &data) == nil {
				errorStyle.Printf("%s rejected (%d): %s\n", data.Command, data.Status, data.Message)
			}
		case widget.EventClosed:
			infoStyle.Println("session closed")
			return
		}
	}
}

func printMessage(msg chat.Message) {
	if msg.Sender == chat.SenderUser {
		userStyle.Printf("you> %s\n", msg.Text)
		return
	}
	botStyle.Printf("bot> %s\n", msg.Text)
}

func printStatus(status chat.Status, messages int) {
	lastError := "-"
	if status.LastError != nil {
		lastError = status.LastError.Category
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk([][]string{
		{"session", status.SessionID},
		{"open", strconv.FormatBool(status.Open)},
		{"loading", strconv.FormatBool(status.Loading)},
		{"recording", strconv.FormatBool(status.Recording)},
		{"capture", status.CaptureState},
		{"elapsed", formatElapsed(status.ElapsedSeconds)},
		{"chat in flight", strconv.FormatBool(status.ChatInFlight)},
		{"transcribing", strconv.FormatBool(status.TranscriptionInFlight)},
		{"last error", lastError},
		{"messages", strconv.Itoa(messages)},
	})
	table.Render()
}

func formatElapsed(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
