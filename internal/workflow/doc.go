// Package workflow connects the scheduler to the training commands.
//
// The Manager turns each configured variant's trainer into a scheduler train
// function that runs the command and hands the resulting model back for
// persistence. It also owns the periodic retraining cycle: on a fixed interval
// it asks the scheduler to admit every configured (subject, variant) pair at
// periodic priority, skipping pairs that are cooling down or already queued.
// Manual submissions from the API and CLI go through SubmitManual so they use
// the same train functions.
package workflow
