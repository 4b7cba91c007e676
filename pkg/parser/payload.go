package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ResultShape 标识回调载荷中 result 字段的形态。
// 解码时一次性判定形态，后续处理不再关心原始 JSON。
type ResultShape int

const (
	// ShapeLegacy 表示 result 缺失，内容平铺在载荷根部（旧版解析服务）。
	ShapeLegacy ResultShape = iota
	// ShapeObject 表示 result 是单个页对象。
	ShapeObject
	// ShapePages 表示 result 是按页排列的对象列表。
	ShapePages
)

// Page 是解析服务输出的单页内容，三个字段最多一个会被采用。
type Page struct {
	MD            string `json:"md"`
	TXT           string `json:"txt"`
	ParsedContent string `json:"parsed_content"`
}

// Content 按 md、txt、parsed_content 的优先级返回第一个非空白字段。
func (p Page) Content() string {
	for _, candidate := range []string{p.MD, p.TXT, p.ParsedContent} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return ""
}

// CallbackPayload 是解析完成回调的载荷。Pages 在解码时已按形态归一化：
// ShapePages 保留全部页，ShapeObject 与 ShapeLegacy 归一为单页。
type CallbackPayload struct {
	Status string
	Error  string
	Shape  ResultShape
	Pages  []Page
}

// Failed 判断上游是否显式上报了解析失败。
func (p *CallbackPayload) Failed() bool {
	return strings.EqualFold(strings.TrimSpace(p.Status), "failed")
}

// Content 逐页提取文本后以空行拼接，全部为空时返回空串。
func (p *CallbackPayload) Content() string {
	parts := make([]string, 0, len(p.Pages))
	for _, page := range p.Pages {
		if c := page.Content(); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "\n\n")
}

type callbackEnvelope struct {
	Status        string          `json:"status"`
	Error         string          `json:"error"`
	Result        json.RawMessage `json:"result"`
	MD            string          `json:"md"`
	TXT           string          `json:"txt"`
	ParsedContent string          `json:"parsed_content"`
}

// DecodeCallback 解码回调载荷并判定 result 形态。
// result 与根部平铺字段同时存在时以 result 为准。
func DecodeCallback(raw []byte) (*CallbackPayload, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("回调载荷不是合法 JSON: %w", err)
	}

	payload := &CallbackPayload{Status: env.Status, Error: env.Error}

	result := bytes.TrimSpace(env.Result)
	switch {
	case len(result) == 0 || bytes.Equal(result, []byte("null")):
		payload.Shape = ShapeLegacy
		payload.Pages = []Page{{MD: env.MD, TXT: env.TXT, ParsedContent: env.ParsedContent}}
	case result[0] == '[':
		var pages []Page
		if err := json.Unmarshal(result, &pages); err != nil {
			return nil, fmt.Errorf("result 页列表解码失败: %w", err)
		}
		payload.Shape = ShapePages
		payload.Pages = pages
	case result[0] == '{':
		var page Page
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("result 对象解码失败: %w", err)
		}
		payload.Shape = ShapeObject
		payload.Pages = []Page{page}
	default:
		return nil, fmt.Errorf("无法识别的 result 形态: %s", snippet(result))
	}
	return payload, nil
}

func snippet(raw []byte) string {
	const limit = 64
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
