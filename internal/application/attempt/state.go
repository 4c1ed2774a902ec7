// Package attempt 实现客户端的提交控制器：失败分类、线性退避重试与取消
package attempt

import "fmt"

// Phase 提交所处阶段
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAttempting Phase = "attempting"
	PhaseRetrying   Phase = "retrying"
	PhaseSucceeded  Phase = "succeeded"
	PhaseAborted    Phase = "aborted"
	PhaseExhausted  Phase = "exhausted"
	PhaseFailed     Phase = "failed"
)

// Terminal 终态不再接受任何迁移
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseAborted, PhaseExhausted, PhaseFailed:
		return true
	default:
		return false
	}
}

// 展示给用户的固定文案
const (
	MsgExhausted = "Model is currently overloaded. Please try again later."
	MsgAborted   = "Generation aborted"
)

// RetryingMessage 重试提示，n 为已消耗的重试次数
func RetryingMessage(n, max int) string {
	return fmt.Sprintf("Model overloaded. Retrying... (%d/%d)", n, max)
}

// State 单次提交的状态快照
type State struct {
	Phase      Phase  `json:"phase"`
	Message    string `json:"message,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Cancelled  bool   `json:"cancelled"`
}

// EventKind 驱动状态迁移的事件
type EventKind int

const (
	EventStart EventKind = iota
	EventSucceeded
	EventOverloaded
	EventCancelled
	EventFailed
)

// Event 状态迁移输入，Message 仅 EventFailed 使用
type Event struct {
	Kind    EventKind
	Message string
}

// Transition 纯函数形式的状态迁移，非法组合保持原状态
func Transition(s State, e Event) State {
	if s.Phase.Terminal() {
		return s
	}

	switch e.Kind {
	case EventStart:
		switch s.Phase {
		case PhaseIdle:
			s.Phase = PhaseAttempting
			s.Message = ""
		case PhaseRetrying:
			s.Phase = PhaseAttempting
		}

	case EventSucceeded:
		if s.Phase == PhaseAttempting {
			s.Phase = PhaseSucceeded
			s.Message = ""
		}

	case EventOverloaded:
		if s.Phase != PhaseAttempting {
			return s
		}
		s.RetryCount++
		if s.RetryCount < s.MaxRetries {
			s.Phase = PhaseRetrying
			s.Message = RetryingMessage(s.RetryCount, s.MaxRetries)
		} else {
			s.Phase = PhaseExhausted
			s.Message = MsgExhausted
		}

	case EventCancelled:
		s.Phase = PhaseAborted
		s.Cancelled = true
		s.Message = MsgAborted

	case EventFailed:
		if s.Phase == PhaseAttempting {
			s.Phase = PhaseFailed
			s.Message = e.Message
		}
	}

	return s
}
