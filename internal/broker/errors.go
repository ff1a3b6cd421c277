package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrOrderNotFound 表示券商侧不存在该订单。
	ErrOrderNotFound = errors.New("broker: 订单不存在")
	// ErrMarketClosed 表示当前非交易时段。
	ErrMarketClosed = errors.New("broker: 市场未开盘")
)

// TransientError 为可重试的券商错误（超时、限流、5xx、网络异常）。
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("broker: %s 临时失败: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError 为不可重试的券商错误（拒单、参数非法、鉴权失败）。
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("broker: %s 失败: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient 包装为临时错误。
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Permanent 包装为永久错误。
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// IsTransient 判断错误是否可重试。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent 判断错误是否为永久错误。
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Classify 对未分类的错误做兜底归类：网络错误与调用超时视为临时错误。
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(op, err)
	}
	if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrMarketClosed) {
		return err
	}
	return Permanent(op, err)
}
