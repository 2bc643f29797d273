/*
Package queuestash documents the Queuestash module.

This module is CLI-first and ships the queuestash command:

	go install github.com/nuetzliches/queuestash/cmd/queuestash@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package queuestash
