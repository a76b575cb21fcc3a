// Package adapter implements transport.Adapter on top of the Telegram Bot API
// (gopkg.in/telebot.v4). It only sends: reminders arrive from the engine, not
// from chat updates, so the bot never polls.
package adapter
