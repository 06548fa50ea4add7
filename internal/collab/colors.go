package collab

import (
	"hash/fnv"
	"strconv"
)

// cursorPalette is the fixed set of cursor colors. Assignment is a pure
// function of the user id so the same user keeps the same color across
// connections, pages, and restarts.
var cursorPalette = [...]string{
	"#e6194b",
	"#3cb44b",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#9a6324",
	"#008080",
	"#808000",
}

func colorFor(userID int64) string {
	hash := fnv.New32a()
	hash.Write([]byte(strconv.FormatInt(userID, 10)))
	return cursorPalette[int(hash.Sum32()%uint32(len(cursorPalette)))]
}
