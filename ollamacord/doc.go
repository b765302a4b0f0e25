// Package ollamacord implements a Discord bot that relays user questions to
// an Ollama server and replies with the model's answer.
//
// Users ask a question by prefixing a message with the command prefix
// (`!ai` by default). Questions are queued, processed one at a time per
// conversation (guild), and answered by editing a placeholder reply.
//
// Key components of the package include:
//
//   - Ollamacord: The main struct that ties the bot's components together.
//   - Discord: Handles the Discord gateway session, replies and reactions.
//   - Ollama: Chat and streaming requests against an Ollama server, either
//     through its native API or its OpenAI-compatible API.
//   - ConversationMemory: Per-conversation message history with a rolling,
//     LLM-generated summary of older messages.
//   - ToolRegistry: Optional tools the model can use to gather context. The
//     bundled tool searches the Old School RuneScape wiki.
//   - QueryQueue: Holds pending questions until a worker is free.
//   - API: An optional admin API for pausing, configuring and inspecting the bot.
//
// Wiki pages may be cached in redis, and all queries, model requests and
// conversation history are persisted with gorm to SQLite or PostgreSQL.
package ollamacord
