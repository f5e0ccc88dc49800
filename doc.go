/*
Package updategate documents the Updategate module.

This module is CLI-first and ships the updategate command:

	go install github.com/nuetzliches/updategate/cmd/updategate@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package updategate
