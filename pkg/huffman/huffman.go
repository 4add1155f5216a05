// Package huffman builds prefix codes over the runes of a message and packs
// the resulting bit strings into bytes.
package huffman

import (
	"container/heap"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyInput is returned by Build for an empty message.
	ErrEmptyInput = errors.New("huffman: empty input")
	// ErrMalformedCode covers invalid tables and undecodable bit streams.
	ErrMalformedCode = errors.New("huffman: malformed code")
	// ErrUnknownSymbol is returned when encoding a rune the code lacks.
	ErrUnknownSymbol = errors.New("huffman: symbol not in code table")
)

// Code is a prefix code built from one message.
type Code struct { // A
	table map[rune]string
	// order keeps the first-occurrence order of symbols.
	order []rune
}

type node struct {
	freq   int
	seq    int
	sym    rune
	leaf   bool
	child0 *node
	child1 *node
}

type nodeHeap []*node

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].seq < h[j].seq
}
func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)   { *h = append(*h, x.(*node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// Build counts rune frequencies in text and derives the Huffman code.
//
// Ties between equal frequencies go to the node created first: leaves are
// numbered in first-occurrence order and every merged node takes the next
// sequence number. A message with a single distinct rune gets the code "0".
func Build(text string) (*Code, error) { // A
	if text == "" {
		return nil, ErrEmptyInput
	}
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("huffman: input is not valid UTF-8")
	}

	freq := map[rune]int{}
	var order []rune
	for _, r := range text {
		if _, seen := freq[r]; !seen {
			order = append(order, r)
		}
		freq[r]++
	}

	c := &Code{table: make(map[rune]string, len(order)), order: order}
	if len(order) == 1 {
		c.table[order[0]] = "0"
		return c, nil
	}

	h := make(nodeHeap, 0, len(order))
	seq := 0
	for _, r := range order {
		h = append(h, &node{freq: freq[r], seq: seq, sym: r, leaf: true})
		seq++
	}
	heap.Init(&h)
	for h.Len() > 1 {
		lo := heap.Pop(&h).(*node)
		hi := heap.Pop(&h).(*node)
		heap.Push(&h, &node{freq: lo.freq + hi.freq, seq: seq, child0: lo, child1: hi})
		seq++
	}

	var walk func(n *node, prefix string)
	walk = func(n *node, prefix string) {
		if n.leaf {
			c.table[n.sym] = prefix
			return
		}
		walk(n.child0, prefix+"0")
		walk(n.child1, prefix+"1")
	}
	walk(h[0], "")
	return c, nil
}

// Table returns the code as symbol -> bit string. Symbols are single runes
// rendered as strings.
func (c *Code) Table() map[string]string { // A
	out := make(map[string]string, len(c.table))
	for r, bits := range c.table {
		out[string(r)] = bits
	}
	return out
}

// Symbols returns the coded runes in first-occurrence order.
func (c *Code) Symbols() []rune { // A
	return append([]rune(nil), c.order...)
}

// CodeFor returns the bit string for r.
func (c *Code) CodeFor(r rune) (string, bool) { // A
	bits, ok := c.table[r]
	return bits, ok
}

// Encode concatenates the codes of every rune in text.
func (c *Code) Encode(text string) (string, error) { // A
	var b strings.Builder
	for _, r := range text {
		bits, ok := c.table[r]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, r)
		}
		b.WriteString(bits)
	}
	return b.String(), nil
}

// Decode rebuilds the prefix tree from table and walks bits through it.
func Decode(bits string, table map[string]string) (string, error) { // A
	root, err := treeFromTable(table)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	cur := root
	for i := 0; i < len(bits); i++ {
		switch bits[i] {
		case '0':
			cur = cur.child0
		case '1':
			cur = cur.child1
		default:
			return "", fmt.Errorf("%w: bit %d is %q", ErrMalformedCode, i, bits[i])
		}
		if cur == nil {
			return "", fmt.Errorf("%w: bit %d reaches no symbol", ErrMalformedCode, i)
		}
		if cur.leaf {
			out.WriteRune(cur.sym)
			cur = root
		}
	}
	if cur != root {
		return "", fmt.Errorf("%w: trailing bits", ErrMalformedCode)
	}
	return out.String(), nil
}

func treeFromTable(table map[string]string) (*node, error) { // A
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: empty table", ErrMalformedCode)
	}
	root := &node{}
	for sym, bits := range table {
		r, size := utf8.DecodeRuneInString(sym)
		if sym == "" || size != len(sym) || r == utf8.RuneError && size <= 1 {
			return nil, fmt.Errorf("%w: symbol %q is not one rune", ErrMalformedCode, sym)
		}
		if bits == "" {
			return nil, fmt.Errorf("%w: empty code for %q", ErrMalformedCode, sym)
		}

		cur := root
		for i := 0; i < len(bits); i++ {
			if cur.leaf {
				return nil, fmt.Errorf("%w: code for %q extends another code", ErrMalformedCode, sym)
			}
			next := &cur.child0
			switch bits[i] {
			case '0':
			case '1':
				next = &cur.child1
			default:
				return nil, fmt.Errorf("%w: code for %q is not binary", ErrMalformedCode, sym)
			}
			if *next == nil {
				*next = &node{}
			}
			cur = *next
		}
		if cur.leaf || cur.child0 != nil || cur.child1 != nil {
			return nil, fmt.Errorf("%w: code for %q collides with another code", ErrMalformedCode, sym)
		}
		cur.leaf = true
		cur.sym = r
	}
	return root, nil
}

// Pack stores a bit string MSB first; the last byte is zero padded.
// Characters other than '1' pack as zero bits.
func Pack(bits string) []byte { // A
	out := make([]byte, (len(bits)+7)/8)
	for i := 0; i < len(bits); i++ {
		if bits[i] == '1' {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// Unpack reverses Pack for the first bitLen bits of data.
func Unpack(data []byte, bitLen int) (string, error) { // A
	if bitLen < 0 || bitLen > len(data)*8 {
		return "", fmt.Errorf("%w: bit length %d for %d bytes", ErrMalformedCode, bitLen, len(data))
	}
	b := make([]byte, bitLen)
	for i := 0; i < bitLen; i++ {
		if data[i/8]&(0x80>>(i%8)) != 0 {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b), nil
}
