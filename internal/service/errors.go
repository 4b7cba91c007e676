package service

import "errors"

// 服务层的哨兵错误，handler 据此映射 HTTP 状态码。
var (
	ErrJobNotFound      = errors.New("任务不存在")
	ErrDocumentNotFound = errors.New("文档不存在")
	ErrUnauthorized     = errors.New("回调签名校验失败")
	ErrInvalidPayload   = errors.New("回调载荷无法解析")
	ErrJobActive        = errors.New("文档已有处理中的任务")
	ErrJobTerminal      = errors.New("任务已处于终态")
	ErrNotParsed        = errors.New("解析产物尚未生成")
	ErrEmptyFile        = errors.New("上传内容为空")
)
