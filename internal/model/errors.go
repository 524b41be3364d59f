package model

import "errors"

var (
	// ErrNotFound 按 ID 查找不到记录
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument 参数不合法（类型、年代、向量维度等）
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUpstreamTransient 外部目录或向量服务调用失败，可重试
	ErrUpstreamTransient = errors.New("upstream transient failure")
	// ErrConstraintViolation (type, external_id) 唯一约束冲突
	ErrConstraintViolation = errors.New("constraint violation")
)
