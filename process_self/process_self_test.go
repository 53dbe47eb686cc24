package process_self

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gopatch/memory"
)

func Test_StoreFor(t *testing.T) {
	cases := []struct {
		addr memory.Address
		n    int
		want storeKind
	}{
		{0x1000, 8, storeAligned},
		{0x1004, 4, storeAligned},
		{0x1001, 4, storeMerge}, // rel32 field of an E8 at a qword start
		{0x1003, 5, storeMerge}, // whole jmp rel32 inside one qword
		{0x1005, 4, storeUnaligned},
		{0x1031, 8, storeUnaligned},
		{0x103E, 4, storeCopy}, // straddles a cache line
		{0x1006, 5, storeCopy},
		{0x1000, 14, storeCopy},
	}
	for _, c := range cases {
		require.Equal(t, c.want, storeFor(c.addr, c.n), "%s+%d", c.addr, c.n)
	}
}

func Test_UndoAlloc(t *testing.T) {
	span := memory.NewSpan(0x10000, 0x1000)
	cause := errors.Wrap(memory.ErrWriteProtect, "protect")

	var freed []memory.Span
	err := undoAlloc(func(s memory.Span) error {
		freed = append(freed, s)
		return nil
	}, span, cause)
	require.Equal(t, cause, err)
	require.Equal(t, []memory.Span{span}, freed)

	err = undoAlloc(func(memory.Span) error {
		return errors.New("munmap failed")
	}, span, cause)
	require.True(t, errors.Is(err, memory.ErrWriteProtect))
	require.Contains(t, err.Error(), "munmap failed")
	require.Contains(t, err.Error(), span.String())
}
