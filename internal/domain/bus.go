package domain

// MessageBus routes events from transports to the dispatcher and replies back.
type MessageBus interface {
	Publish(evt InboundEvent)
	Subscribe() <-chan InboundEvent
	SendOutbound(reply OutboundReply)
	OnOutbound(channelName string, handler func(OutboundReply))
	Close()
}
