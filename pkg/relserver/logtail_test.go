package relserver

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestLogTail(t *testing.T) {
	tail := NewLogTail(3)

	sink := &bytes.Buffer{}
	writer := tail.Writer(sink)

	for i := 1; i <= 5; i++ {
		fmt.Fprintf(writer, "line %d\n", i)
	}

	// sink got everything; the tail kept only the last three lines
	assert.Assert(t, strings.Count(sink.String(), "\n") == 5)
	assert.EqualString(t, strings.Join(tail.Snapshot(), "|"), "line 3|line 4|line 5")
}

func TestLogTailPartialWrites(t *testing.T) {
	tail := NewLogTail(3)
	writer := tail.Writer(&bytes.Buffer{})

	// a line only lands in the tail once its newline arrives
	fmt.Fprint(writer, "first part")
	assert.Assert(t, len(tail.Snapshot()) == 0)

	fmt.Fprint(writer, " and the rest\nanother\n")
	assert.EqualString(t, strings.Join(tail.Snapshot(), "|"), "first part and the rest|another")
}
