// Package lua embeds the Redis scripts used by shigoto.
package lua

import "embed"

// Scripts holds every .lua file of this directory.
//
//go:embed *.lua
var Scripts embed.FS
