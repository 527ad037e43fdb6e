package trienode

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/minio/sha256-simd"
	"golang.org/x/xerrors"

	trieblob "github.com/lotus-web3/trieblob"
)

// Node record layout:
//
//	[hash: [32]byte][id: u8][payloadLen: uvarint][payload]
//
// hash = sha256(id || payload)

const MaxPayload = 1 << 20

type Node struct {
	ID      trieblob.NodeID
	Payload []byte
}

func (n *Node) NodeID() trieblob.NodeID {
	return n.ID
}

func Hash(n *Node) trieblob.TrieHash {
	h := sha256.New()
	_, _ = h.Write([]byte{n.ID})
	_, _ = h.Write(n.Payload)

	var out trieblob.TrieHash
	copy(out[:], h.Sum(nil))
	return out
}

// Encode serializes a node record, including its hash
func Encode(n *Node) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	ll := binary.PutUvarint(lenBuf[:], uint64(len(n.Payload)))

	out := make([]byte, 0, trieblob.HashSize+1+ll+len(n.Payload))
	h := Hash(n)
	out = append(out, h[:]...)
	out = append(out, n.ID)
	out = append(out, lenBuf[:ll]...)
	out = append(out, n.Payload...)
	return out
}

// Codec implements trieblob.NodeCodec for the record layout above
type Codec struct{}

var _ trieblob.NodeCodec = Codec{}

func (Codec) ReadHashBytes(r io.Reader) (trieblob.TrieHash, error) {
	var h trieblob.TrieHash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return h, xerrors.Errorf("reading node hash: %w", err)
	}
	return h, nil
}

func (c Codec) ReadNodeType(r io.Reader, id trieblob.NodeID) (trieblob.TrieNode, trieblob.TrieHash, error) {
	h, err := c.ReadHashBytes(r)
	if err != nil {
		return nil, h, err
	}

	n, err := readNode(r, id)
	if err != nil {
		return nil, h, err
	}
	return n, h, nil
}

func (Codec) ReadNodeTypeNoHash(r io.Reader, id trieblob.NodeID) (trieblob.TrieNode, error) {
	var skip [trieblob.HashSize]byte
	if _, err := io.ReadFull(r, skip[:]); err != nil {
		return nil, xerrors.Errorf("skipping node hash: %w", err)
	}

	return readNode(r, id)
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// readNode may read ahead of the record when r isn't a ByteReader; callers
// always seek before the next read
func readNode(r io.Reader, id trieblob.NodeID) (*Node, error) {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	gotID, err := br.ReadByte()
	if err != nil {
		return nil, xerrors.Errorf("reading node id: %w", err)
	}
	if gotID != id {
		return nil, xerrors.Errorf("node id mismatch: expected %d, got %d", id, gotID)
	}

	plen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, xerrors.Errorf("reading payload length: %w", err)
	}
	if plen > MaxPayload {
		return nil, xerrors.Errorf("node payload too large: %d", plen)
	}

	payload := make([]byte, plen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, xerrors.Errorf("reading node payload: %w", err)
	}

	return &Node{ID: gotID, Payload: payload}, nil
}

// Serialize concatenates node records into one trie blob and returns the
// offset of each record
func Serialize(nodes []*Node) ([]byte, []uint32) {
	var out []byte
	offs := make([]uint32, len(nodes))
	for i, n := range nodes {
		offs[i] = uint32(len(out))
		out = append(out, Encode(n)...)
	}
	return out, offs
}
