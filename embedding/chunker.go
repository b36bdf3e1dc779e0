package embedding

import (
	"strings"
	"unicode"
)

const (
	// ChunkSize 目标块大小（字符数）
	ChunkSize = 300
	// ChunkOverlap 相邻块的重叠字符数
	ChunkOverlap = 50
)

// ChunkText 按句子边界把长文本切成约 size 个字符的块，相邻块重叠约 overlap 个字符。
// 以 rune 计数，中英文混排安全。短文本原样返回一个块，空文本返回 nil。
func ChunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = ChunkSize
	}
	if overlap < 0 || overlap >= size/2 {
		overlap = size / 6
	}
	if len([]rune(text)) <= size {
		return []string{text}
	}

	var (
		chunks  []string
		cur     []rune
		pending int // cur 中尚未输出过的字符数
	)
	emit := func(r []rune) {
		if s := strings.TrimSpace(string(r)); s != "" {
			chunks = append(chunks, s)
		}
	}

	for _, sentence := range splitSentences(text) {
		sr := []rune(sentence)
		if pending > 0 && len(cur)+len(sr) > size {
			emit(cur)
			cur = overlapTail(cur, overlap)
			pending = 0
		}
		cur = append(cur, sr...)
		pending += len(sr)

		// 单句超长：在后半段的空白处硬切
		for len(cur) > size {
			cut := breakPoint(cur[:size])
			emit(cur[:cut])
			tail := overlapTail(cur[:cut], overlap)
			rest := cur[cut:]
			cur = make([]rune, 0, len(tail)+len(rest))
			cur = append(cur, tail...)
			cur = append(cur, rest...)
			pending = len(rest)
		}
	}
	if pending > 0 {
		emit(cur)
	}
	return chunks
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '；', ';', '\n':
		return true
	}
	return false
}

// splitSentences 切分句子，终止符保留在句尾
func splitSentences(text string) []string {
	var (
		out []string
		b   strings.Builder
	)
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		if !isTerminator(r) {
			continue
		}
		// ASCII 句点后必须是空白或结尾，避免切开 3.14 / e.g.
		if r == '.' && i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		out = append(out, b.String())
		b.Reset()
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// breakPoint 在后半段寻找最后一个空白作为切点，找不到则在 len(r) 处切
func breakPoint(r []rune) int {
	for i := len(r) - 1; i >= len(r)/2; i-- {
		if unicode.IsSpace(r[i]) {
			return i + 1
		}
	}
	return len(r)
}

// overlapTail 取末尾约 n 个字符作为下一块的开头，尽量从词边界开始
func overlapTail(r []rune, n int) []rune {
	if n <= 0 {
		return nil
	}
	if len(r) <= n {
		return append([]rune(nil), r...)
	}
	tail := r[len(r)-n:]
	for i, c := range tail {
		if unicode.IsSpace(c) && i < len(tail)-1 {
			tail = tail[i+1:]
			break
		}
	}
	return append([]rune(nil), tail...)
}
