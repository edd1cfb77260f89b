/*
Package moru documents the MORU notification engine module.

This module is CLI-first and ships the morud command:

	go install github.com/KUIT-MORU/KUIT-MORU-Server-sub000/cmd/morud@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package moru
