package usecase

import (
	"fmt"
	"regexp"
	"strings"
)

const answerPrompt = `你是校园智能问答助手，请严格依据下面提供的资料回答用户的问题。
要求：
1. 只使用资料中的信息作答，不要编造内容；
2. 如果资料不足以回答问题，请明确说明；
3. 使用简体中文，回答简洁准确。

资料：
%s

问题：%s

回答：`

const fallbackGreeting = "你好！我是校园智能问答助手，可以回答入学、课程、奖学金、校园生活等相关问题，请问有什么可以帮您？"

const fallbackNoContext = "抱歉，知识库中暂时没有与「%s」相关的资料，建议换个问法，或联系相关部门咨询。"

var greetingPattern = regexp.MustCompile(`(?i)^(你好|您好|嗨|哈喽|hello|hi|hey)([啊呀呀～!！。,.…·]*)$`)

func buildAnswerPrompt(query, context string) string {
	return fmt.Sprintf(answerPrompt, context, query)
}

func isGreeting(text string) bool {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return false
	}
	if greetingPattern.MatchString(normalized) {
		return true
	}
	compact := strings.ToLower(strings.ReplaceAll(normalized, " ", ""))
	return len([]rune(compact)) <= 6 && (compact == "hello" || compact == "hi")
}

// fallbackText picks the canned answer for queries the corpus cannot serve.
func fallbackText(query string) string {
	clean := strings.TrimSpace(query)
	if isGreeting(clean) {
		return fallbackGreeting
	}
	if clean == "" {
		clean = "该问题"
	}
	return fmt.Sprintf(fallbackNoContext, clean)
}
