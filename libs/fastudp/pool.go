package fastudp

import "github.com/geph-official/chanmux/libs/arena"

const maxDatagram = 2048

var bufArena = arena.New()

func malloc(n int) *arena.Buffer {
	return bufArena.Alloc(n)
}

func free(b *arena.Buffer) {
	bufArena.Release(b)
}
