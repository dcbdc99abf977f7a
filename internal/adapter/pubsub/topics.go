package pubsub

// Topic layout for the fan-out bus. Every instance subscribes to every
// topic and filters by locality (is the target user connected here) and by
// origin (drop own echoes), so no component assumes all connections for a
// user are local.
const (
	EventsExchange = "im_realtime.events"

	TopicDeliveryPush   = "im_realtime.v1.delivery.push"
	TopicDeliveryAck    = "im_realtime.v1.delivery.ack"
	TopicDeliveryRead   = "im_realtime.v1.delivery.read"
	TopicDeliveryFailed = "im_realtime.v1.delivery.failed"
	TopicPresenceStatus = "im_realtime.v1.presence.status"
	TopicTyping         = "im_realtime.v1.typing"
)
