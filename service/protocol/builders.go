package protocol

// Connected acknowledges an accepted connection. The id travels as clientId.
func Connected(connID string) *Envelope {
	return (&Envelope{Type: TypeConnected, ClientID: connID}).Stamp()
}

func Joined(channelID string) *Envelope {
	return (&Envelope{Type: TypeJoined, ChannelID: channelID}).Stamp()
}

func Error(text string) *Envelope {
	return &Envelope{Type: TypeError, Error: text}
}

func Typing(channelID, userID string, p *TypingPayload) *Envelope {
	env := &Envelope{Type: TypeTyping, ChannelID: channelID, UserID: userID}
	if p != nil {
		_ = env.SetPayload(*p)
	}
	return env.Stamp()
}

func Presence(channelID, userID, status string) *Envelope {
	env := &Envelope{Type: TypePresence, ChannelID: channelID, UserID: userID}
	_ = env.SetPayload(PresencePayload{UserID: userID, Status: status})
	return env.Stamp()
}
