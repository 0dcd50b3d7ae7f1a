// Package assistant talks to the automated assistant that answers customers
// while a conversation is not in live mode. Reply text, booking intents and
// escalation signals all come back in one Reply.
package assistant
