package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sobench/internal/store"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line    string
		want    Command
		wantErr bool
	}{
		{"READ 3", Command{Op: OpRead, Pos: 3}, false},
		{"read 0", Command{Op: OpRead, Pos: 0}, false},
		{"READ 3\r\n", Command{Op: OpRead, Pos: 3}, false},
		{"WRITE 3", Command{Op: OpWrite, Pos: 3, Delta: 1}, false},
		{"WRITE 3 5", Command{Op: OpWrite, Pos: 3, Delta: 5}, false},
		{"write  9   -2", Command{Op: OpWrite, Pos: 9, Delta: -2}, false},
		{"READ -1", Command{Op: OpRead, Pos: -1}, false},
		{"", Command{}, true},
		{"READ", Command{}, true},
		{"READ 1 2", Command{}, true},
		{"READ x", Command{}, true},
		{"WRITE", Command{}, true},
		{"WRITE 1 x", Command{}, true},
		{"WRITE 1 2 3", Command{}, true},
		{"DELETE 1", Command{}, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.line)
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrMalformed), "Parse(%q) = %v", tt.line, err)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "READ 4", Read(4).String())
	assert.Equal(t, "WRITE 4", Write(4, 1).String())
	assert.Equal(t, "WRITE 4 -3", Write(4, -3).String())

	for _, c := range []Command{Read(4), Write(4, 1), Write(4, -3)} {
		parsed, err := Parse(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
}

func TestHandleScenario(t *testing.T) {
	s := store.New(10, store.PerCell)

	resp, err := Handle("WRITE 3", s)
	require.NoError(t, err)
	assert.Equal(t, RespOK, resp)

	resp, err = Handle("WRITE 3", s)
	require.NoError(t, err)
	assert.Equal(t, RespOK, resp)

	resp, err = Handle("READ 3", s)
	require.NoError(t, err)
	v, err := ParseValue(resp)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestHandleOutOfRange(t *testing.T) {
	s := store.New(5, store.Global)

	resp, err := Handle("READ 7", s)
	assert.True(t, errors.Is(err, store.ErrOutOfRange))
	assert.True(t, IsError(resp))
	assert.Equal(t, "ERROR invalid position 7", resp)

	resp, err = Handle("WRITE -1", s)
	assert.True(t, errors.Is(err, store.ErrOutOfRange))
	assert.True(t, IsError(resp))
	assert.Equal(t, int64(0), s.Sum())

	resp, err = Handle("READ 0", s)
	require.NoError(t, err)
	assert.Equal(t, "VALUE 0", resp)
}

func TestHandleMalformed(t *testing.T) {
	s := store.New(5, store.None)

	resp, err := Handle("PING", s)
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.True(t, IsError(resp))
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("VALUE 42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = ParseValue("-7")
	require.NoError(t, err)
	assert.Equal(t, int64(-7), v)

	_, err = ParseValue("ERROR invalid position 7")
	assert.Error(t, err)

	_, err = ParseValue("OK")
	assert.Error(t, err)
}
