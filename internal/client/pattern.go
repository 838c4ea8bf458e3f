package client

import (
	"fmt"
	"strings"

	"sobench/internal/protocol"
)

// Pattern はセッション内の READ/WRITE の並べ方
type Pattern string

const (
	PatternInterleaved Pattern = "interleaved" // R,W,R,W... 残りは後ろにまとめる
	PatternReadsFirst  Pattern = "reads-first"
	PatternWritesFirst Pattern = "writes-first"
)

// ParsePattern は文字列からパターンを解釈する
// 既定の名前のほかに "RRW" のような R/W の並びも受け付ける
func ParsePattern(s string) (Pattern, error) {
	switch s {
	case "", "interleaved", "rw":
		return PatternInterleaved, nil
	case "reads-first", "reads":
		return PatternReadsFirst, nil
	case "writes-first", "writes":
		return PatternWritesFirst, nil
	}
	upper := strings.ToUpper(s)
	if strings.Trim(upper, "RW") == "" {
		return Pattern(upper), nil
	}
	return "", fmt.Errorf("unknown operation pattern: %s", s)
}

// Sequence は reads 回の READ と writes 回の WRITE を並べた操作列を返す
func (p Pattern) Sequence(reads, writes int) []protocol.Op {
	ops := make([]protocol.Op, 0, reads+writes)
	appendN := func(op protocol.Op, n int) {
		for range n {
			ops = append(ops, op)
		}
	}

	switch p {
	case PatternReadsFirst:
		appendN(protocol.OpRead, reads)
		appendN(protocol.OpWrite, writes)
	case PatternWritesFirst:
		appendN(protocol.OpWrite, writes)
		appendN(protocol.OpRead, reads)
	case PatternInterleaved, "":
		r, w := reads, writes
		for r > 0 && w > 0 {
			ops = append(ops, protocol.OpRead, protocol.OpWrite)
			r--
			w--
		}
		appendN(protocol.OpRead, r)
		appendN(protocol.OpWrite, w)
	default:
		// 独自の並びを繰り返し、使い切った種類は飛ばす
		r, w := reads, writes
		for r > 0 || w > 0 {
			progressed := false
			for _, c := range string(p) {
				switch {
				case c == 'R' && r > 0:
					ops = append(ops, protocol.OpRead)
					r--
					progressed = true
				case c == 'W' && w > 0:
					ops = append(ops, protocol.OpWrite)
					w--
					progressed = true
				}
			}
			if !progressed {
				appendN(protocol.OpRead, r)
				appendN(protocol.OpWrite, w)
				break
			}
		}
	}
	return ops
}
