package natsx

import (
	"crypto/rand"
	"encoding/hex"
)

// HeaderMsgID JetStream 按此头在服务端去重，消费端幂等中间件也认这个头
const HeaderMsgID = "Nats-Msg-Id"

// 随机 msgID（16字节）
func genMsgID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// withMsgID 返回带 Nats-Msg-Id 的头副本；msgID 为空时自动生成
func withMsgID(hdr map[string]string, msgID string) map[string]string {
	out := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		out[k] = v
	}
	if msgID == "" {
		msgID = genMsgID()
	}
	out[HeaderMsgID] = msgID
	return out
}
