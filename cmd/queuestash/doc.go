// Command queuestash moves payment messages between brokers, files and SQL
// ledgers, and quarantines the ones that fail.
//
// Failed messages land in a damaged ledger (or a damaged queue) and can be
// replayed onto their original queue on a cron schedule.
//
// Install:
//
//	go install github.com/nuetzliches/queuestash/cmd/queuestash@latest
//
// Usage:
//
//	queuestash run --config ./Queuestashfile
package main
