package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCallbackPageList(t *testing.T) {
	raw := []byte(`{
		"status": "completed",
		"result": [
			{"md": "# 第一页"},
			{"md": "", "txt": "第二页纯文本"},
			{"parsed_content": "第三页兜底内容"}
		]
	}`)

	payload, err := DecodeCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, ShapePages, payload.Shape)
	assert.False(t, payload.Failed())
	assert.Equal(t, "# 第一页\n\n第二页纯文本\n\n第三页兜底内容", payload.Content())
}

func TestDecodeCallbackSingleObject(t *testing.T) {
	raw := []byte(`{"status": "completed", "result": {"md": "整篇 markdown"}}`)

	payload, err := DecodeCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, ShapeObject, payload.Shape)
	assert.Equal(t, "整篇 markdown", payload.Content())
}

func TestDecodeCallbackLegacyFlatFields(t *testing.T) {
	raw := []byte(`{"txt": "旧版平铺内容"}`)

	payload, err := DecodeCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, ShapeLegacy, payload.Shape)
	assert.False(t, payload.Failed())
	assert.Equal(t, "旧版平铺内容", payload.Content())
}

func TestDecodeCallbackNullResultFallsBackToRoot(t *testing.T) {
	raw := []byte(`{"status": "completed", "result": null, "md": "根部内容"}`)

	payload, err := DecodeCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, ShapeLegacy, payload.Shape)
	assert.Equal(t, "根部内容", payload.Content())
}

func TestPageContentSelectionOrder(t *testing.T) {
	assert.Equal(t, "md 内容", Page{MD: "md 内容", TXT: "txt 内容"}.Content())
	// 空白的 md 视同缺失，落到 txt
	assert.Equal(t, "txt 内容", Page{MD: "  \n", TXT: "txt 内容"}.Content())
	assert.Equal(t, "兜底", Page{ParsedContent: "兜底"}.Content())
	assert.Equal(t, "", Page{}.Content())
}

func TestCallbackContentSkipsEmptyPages(t *testing.T) {
	raw := []byte(`{"result": [{"md": "第一页"}, {"md": ""}, {"md": "第三页"}]}`)

	payload, err := DecodeCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, "第一页\n\n第三页", payload.Content())
}

func TestDecodeCallbackFailedEnvelope(t *testing.T) {
	raw := []byte(`{"status": "failed", "error": "OCR engine crashed"}`)

	payload, err := DecodeCallback(raw)
	require.NoError(t, err)
	assert.True(t, payload.Failed())
	assert.Equal(t, "OCR engine crashed", payload.Error)
	assert.Equal(t, "", payload.Content())
}

func TestDecodeCallbackRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeCallback([]byte(`{"status": `))
	assert.Error(t, err)
}

func TestDecodeCallbackRejectsUnknownResultShape(t *testing.T) {
	_, err := DecodeCallback([]byte(`{"result": "一段字符串"}`))
	assert.Error(t, err)

	_, err = DecodeCallback([]byte(`{"result": 42}`))
	assert.Error(t, err)
}

func TestDecodeCallbackResultWinsOverRootFields(t *testing.T) {
	raw := []byte(`{"result": {"md": "result 内容"}, "md": "根部内容"}`)

	payload, err := DecodeCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, ShapeObject, payload.Shape)
	assert.Equal(t, "result 内容", payload.Content())
}
