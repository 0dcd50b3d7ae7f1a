// Package mail carries outbound email from the gateway to recipients.
//
// The gateway only ever calls Mailer.Send. With a broker configured that is a
// QueueMailer, which publishes a JSON Mail to a durable RabbitMQ queue and
// returns. The hearth-mailer binary runs a Consumer on the same queue: it
// renders each Mail from an embedded markdown template (subject line, text
// body, goldmark HTML) and delivers it with an SMTPSender.
//
// Mail is fire-and-forget from the gateway's point of view. A failed Send is
// reported to the caller, which logs it and carries on.
package mail
