// Package transport implements the channel gateways behind the engine's
// uniform Transport interface.
//
// Email, SMS and push providers are reached through the generic HTTP webhook
// transport (each channel's endpoint points at its provider gateway).
// Chat channels can alternatively be backed by a Telegram bot, and in-app
// channels deliver straight into the durable inbox store.
package transport
