package message

import (
	chatmodel "PPGate/module/chat/model"
	"PPGate/service/chat"
)

func toDoc(m *chat.Message, conv string, seq int64) *chatmodel.MsgDocModel {
	return &chatmodel.MsgDocModel{
		MessageID:      m.ID,
		ConversationID: conv,
		Seq:            seq,
		SendID:         m.SenderID,
		RecvID:         m.To.UserID,
		ChannelID:      m.To.ChannelID,
		ClientRef:      m.ClientRef,
		ContentType:    m.Body.Type,
		Content:        m.Body.Content,
		FileURL:        m.Body.FileURL,
		CreateTime:     m.CreatedAt,
	}
}

func fromDoc(d *chatmodel.MsgDocModel) *chat.Message {
	return &chat.Message{
		ID:        d.MessageID,
		ClientRef: d.ClientRef,
		SenderID:  d.SendID,
		To:        chat.Recipient{UserID: d.RecvID, ChannelID: d.ChannelID},
		Body:      chat.Body{Type: d.ContentType, Content: d.Content, FileURL: d.FileURL},
		CreatedAt: d.CreateTime.UTC(),
		Seq:       d.Seq,
	}
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
