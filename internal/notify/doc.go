// Package notify tells a tenant's owner that a conversation needs a human.
//
// MailNotifier queues an escalation mail to the owner address. MatrixNotifier
// posts to the tenant's notify room, or the configured default room. Multi
// runs several notifiers and joins their errors; one failing channel does not
// stop the others.
package notify
