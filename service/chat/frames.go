package chat

import (
	"errors"
	"strings"

	"PPGate/tools/errs"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type FrameType string

// 客户端 -> 网关
const (
	FrameAuth   FrameType = "auth"
	FrameSend   FrameType = "send"
	FrameTyping FrameType = "typing"
	FrameRead   FrameType = "read"
	FramePing   FrameType = "ping"
	FrameLogout FrameType = "logout"
)

// 网关 -> 客户端
const (
	FrameAuthOK    FrameType = "auth_ok"
	FrameAuthError FrameType = "auth_error"
	FrameAck       FrameType = "ack"
	FrameNack      FrameType = "nack"
	FrameMessage   FrameType = "message"
	FramePresence  FrameType = "presence"
	FramePong      FrameType = "pong"
	FrameError     FrameType = "error"
)

// nack / error 的 reason
const (
	ReasonInvalid               = "invalid"
	ReasonUnauthenticated       = "unauthenticated"
	ReasonAlreadyAuthenticated  = "already_authenticated"
	ReasonPersistence           = "persistence"
	ReasonUnknownChannel        = "unknown_channel"
	ReasonNotMember             = "not_member"
	ReasonMembershipUnavailable = "membership_unavailable"
	ReasonRateLimited           = "rate_limited"
	ReasonTokenExpired          = "token_expired"
	ReasonBadCredentials        = "bad_credentials"
	ReasonUnsupported           = "unsupported"
	ReasonInternal              = "internal"
)

type ClientFrame struct {
	Type  FrameType `json:"type"`
	Token string    `json:"token,omitempty"`
	Ref   string    `json:"ref,omitempty"`
	To    Recipient `json:"to"`
	Body  Body      `json:"body"`
	Seq   int64     `json:"seq,omitempty"`
}

func ParseClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, errs.ErrArgs.WrapMsg("bad frame", "err", err.Error())
	}
	f.Type = FrameType(strings.ToLower(strings.TrimSpace(string(f.Type))))
	if f.Type == "" {
		return f, errs.ErrArgs.WrapMsg("frame without type")
	}
	return f, nil
}

type ServerFrame struct {
	Type      FrameType  `json:"type"`
	Ref       string     `json:"ref,omitempty"`
	Seq       int64      `json:"seq,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Online    *bool      `json:"online,omitempty"`
	From      string     `json:"from,omitempty"`
	To        *Recipient `json:"to,omitempty"`
	Message   *Message   `json:"message,omitempty"`
}

func (f ServerFrame) Encode() []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// 结构体全是基本类型，不会走到这里
		return []byte(`{"type":"error","reason":"internal"}`)
	}
	return b
}

func AuthOKFrame(userID string) ServerFrame {
	return ServerFrame{Type: FrameAuthOK, UserID: userID}
}

func AuthErrorFrame(reason string) ServerFrame {
	return ServerFrame{Type: FrameAuthError, Reason: reason}
}

func AckFrame(ref string, seq int64, messageID string) ServerFrame {
	return ServerFrame{Type: FrameAck, Ref: ref, Seq: seq, MessageID: messageID}
}

func NackFrame(ref, reason string, seq int64) ServerFrame {
	return ServerFrame{Type: FrameNack, Ref: ref, Reason: reason, Seq: seq}
}

func MessageFrame(m *Message) ServerFrame {
	return ServerFrame{Type: FrameMessage, Message: m}
}

func PresenceFrame(userID string, online bool) ServerFrame {
	return ServerFrame{Type: FramePresence, UserID: userID, Online: &online}
}

func TypingFrame(from string, to Recipient) ServerFrame {
	return ServerFrame{Type: FrameTyping, From: from, To: &to}
}

func ReadFrame(from string, to Recipient, seq int64) ServerFrame {
	return ServerFrame{Type: FrameRead, From: from, To: &to, Seq: seq}
}

func PongFrame() ServerFrame { return ServerFrame{Type: FramePong} }

func ErrorFrame(reason string) ServerFrame {
	return ServerFrame{Type: FrameError, Reason: reason}
}

// ReasonOf 错误 -> 客户端可见的 reason
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errs.ErrArgs):
		return ReasonInvalid
	case errors.Is(err, errs.ErrMembershipUnavailable):
		return ReasonMembershipUnavailable
	case errors.Is(err, errs.ErrUnknownChannel):
		return ReasonUnknownChannel
	case errors.Is(err, errs.ErrNoPermission):
		return ReasonNotMember
	case errors.Is(err, errs.ErrPersistence):
		return ReasonPersistence
	case errors.Is(err, errs.ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, errs.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, errs.ErrAuth):
		return ReasonBadCredentials
	default:
		return ReasonInternal
	}
}

// relayEnvelope 跨进程转发的载荷：目标用户 + 已编码的帧
type relayEnvelope struct {
	Origin  string   `json:"origin"`
	Users   []string `json:"users"`
	Payload []byte   `json:"payload"`
}

func encodeEnvelope(e relayEnvelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(data []byte) (relayEnvelope, error) {
	var e relayEnvelope
	err := json.Unmarshal(data, &e)
	return e, err
}
