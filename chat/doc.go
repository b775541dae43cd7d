// Package chat connects the event feed to the command registry and posts
// replies back to chat.
//
// The Bridge receives every decoded chat event. It always writes the event
// to the chat log first, then, for prefixed messages, runs the command on a
// bounded pool of goroutines so slow generation never stalls the feed.
// Replies leave through a Sender: Helix (POST /chat/messages, default) or
// IRC (go-twitch-irc), optionally wrapped in a RateLimitedSender.
//
// Commands are suppressed while the channel is live when configured to;
// a failed live check lets the command through.
package chat
