package ai

import "strings"

// PromptTemplate pairs a system prompt with its completion budget.
type PromptTemplate struct {
	Name         string
	SystemPrompt string
	MaxTokens    int
}

var healthcareTemplate = PromptTemplate{
	Name: "healthcare",
	SystemPrompt: `You are a healthcare information assistant.
Provide general medical information only. Do NOT diagnose or prescribe.

Format:
Symptoms Overview:
- point

What You Can Do Now:
- action

When to See a Doctor:
- escalation`,
	MaxTokens: 350,
}

var mealPlanTemplate = PromptTemplate{
	Name: "meal_plan",
	SystemPrompt: `You are a nutrition AI. Respond ONLY with valid JSON, no other text.
Format: {"days":[{"day":1,"breakfast":"text","lunch":"text","dinner":"text"}],"avoidFoods":["text"],"nutritionTips":["text"]}
Create exactly 7 days. Use Indian meals.`,
	MaxTokens: 1500,
}

// IsMealPlanRequest reports whether message asks for a multi-day meal plan.
func IsMealPlanRequest(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "meal plan") || strings.Contains(lower, "days")
}

// SelectTemplate picks the prompt for a user message.
func SelectTemplate(message string) PromptTemplate {
	if IsMealPlanRequest(message) {
		return mealPlanTemplate
	}
	return healthcareTemplate
}
