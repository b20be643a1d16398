package xerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind 错误分类，决定 tick 失败后的处理方式
type Kind uint8

const (
	KindUnknown   Kind = iota
	KindTransient      // 网络/节点抖动：下个 tick 重试
	KindClient         // 签名/广播被拒（nonce 不对、交易格式错）：清 nonce 后重试
	KindRevert         // 链上执行失败：该工作单元终态，记录原因
	KindInvariant      // 经济不变量被破坏：本轮批次中止，大声告警
	KindFork           // 分叉超出回滚窗口或无法安全回滚：需要人工介入
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindClient:
		return "client"
	case KindRevert:
		return "revert"
	case KindInvariant:
		return "invariant"
	case KindFork:
		return "fork"
	default:
		return "unknown"
	}
}

type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

func Wrapf(kind Kind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf 取最外层的分类；未分类的网络错误视为 transient
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
