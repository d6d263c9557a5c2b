package gensearch

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// cacheBlock is one logical KV block: a fixed-size run of tokens with a chain
// hash once full.
type cacheBlock struct {
	id       int
	refCount int
	hash     uint64
	tokens   []int32
}

func (b *cacheBlock) update(hash uint64, tokens []int32) {
	b.hash = hash
	b.tokens = append(b.tokens[:0], tokens...)
}

func (b *cacheBlock) reset() {
	b.refCount = 1
	b.hash = 0
	b.tokens = b.tokens[:0]
}

// BlockManager accounts logical KV cache blocks across engine requests, with
// prefix caching: full blocks are chain-hashed so requests sharing a prompt
// prefix share ref-counted blocks instead of recomputing them.
type BlockManager struct {
	blockSize   int
	blocks      []*cacheBlock
	hashToBlock map[uint64]int
	freeIDs     []int
	usedIDs     map[int]bool
}

// NewBlockManager creates a manager over numBlocks blocks of blockSize tokens.
func NewBlockManager(numBlocks, blockSize int) *BlockManager {
	bm := &BlockManager{
		blockSize:   blockSize,
		blocks:      make([]*cacheBlock, numBlocks),
		hashToBlock: make(map[uint64]int),
		freeIDs:     make([]int, numBlocks),
		usedIDs:     make(map[int]bool),
	}
	for i := range bm.blocks {
		bm.blocks[i] = &cacheBlock{id: i}
		bm.freeIDs[i] = i
	}
	return bm
}

// chainHash hashes one block's tokens onto its prefix chain.
func (bm *BlockManager) chainHash(tokens []int32, prefixHash uint64) uint64 {
	h := xxhash.New()
	var buf [8]byte
	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		_, _ = h.Write(buf[:8])
	}
	for _, tok := range tokens {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tok))
		_, _ = h.Write(buf[:4])
	}
	return h.Sum64()
}

func (bm *BlockManager) allocateBlock(id int) *cacheBlock {
	block := bm.blocks[id]
	if block.refCount != 0 {
		panic("block is already allocated")
	}
	block.reset()
	for i, free := range bm.freeIDs {
		if free == id {
			bm.freeIDs = append(bm.freeIDs[:i], bm.freeIDs[i+1:]...)
			break
		}
	}
	bm.usedIDs[id] = true
	return block
}

func (bm *BlockManager) deallocateBlock(id int) {
	if bm.blocks[id].refCount != 0 {
		panic("block still has references")
	}
	delete(bm.usedIDs, id)
	bm.freeIDs = append(bm.freeIDs, id)
}

// CanAllocate reports whether enough free blocks exist for a request's
// current history.
func (bm *BlockManager) CanAllocate(req *Request) bool {
	return len(bm.freeIDs) >= req.NumBlocks()
}

// Allocate assigns blocks for a request, reusing prefix-cached blocks when
// their token content matches.
func (bm *BlockManager) Allocate(req *Request) {
	if len(req.BlockTable) > 0 {
		panic("request already has blocks allocated")
	}

	var h uint64
	cacheMiss := false
	for i := 0; i < req.NumBlocks(); i++ {
		tokens := req.Block(i)

		// Only full blocks enter the hash chain.
		if len(tokens) == bm.blockSize {
			h = bm.chainHash(tokens, h)
		} else {
			h = 0
		}

		blockID := -1
		if h != 0 {
			if id, ok := bm.hashToBlock[h]; ok && tokensEqual(bm.blocks[id].tokens, tokens) {
				blockID = id
			}
		}
		if blockID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			blockID = bm.freeIDs[0]
			bm.allocateBlock(blockID)
		} else {
			req.NumCachedTokens += bm.blockSize
			if bm.usedIDs[blockID] {
				bm.blocks[blockID].refCount++
			} else {
				bm.allocateBlock(blockID)
			}
		}

		if h != 0 {
			bm.blocks[blockID].update(h, tokens)
			bm.hashToBlock[h] = blockID
		}
		req.BlockTable = append(req.BlockTable, blockID)
	}
}

// Deallocate releases a request's blocks in reverse order.
func (bm *BlockManager) Deallocate(req *Request) {
	for i := len(req.BlockTable) - 1; i >= 0; i-- {
		id := req.BlockTable[i]
		block := bm.blocks[id]
		block.refCount--
		if block.refCount == 0 {
			bm.deallocateBlock(id)
		}
	}
	req.NumCachedTokens = 0
	req.BlockTable = req.BlockTable[:0]
}

// CanAppend reports whether one more token fits without exhausting the pool.
func (bm *BlockManager) CanAppend(req *Request) bool {
	if req.Len()%bm.blockSize == 1 {
		return len(bm.freeIDs) >= 1
	}
	return true
}

// MayAppend accounts for the token just appended: opens a fresh block when
// the previous one filled, and seals a block's hash the moment it fills.
func (bm *BlockManager) MayAppend(req *Request) {
	table := req.BlockTable
	last := bm.blocks[table[len(table)-1]]

	switch req.Len() % bm.blockSize {
	case 1:
		if last.hash == 0 {
			panic("previous block should have been sealed")
		}
		id := bm.freeIDs[0]
		bm.allocateBlock(id)
		req.BlockTable = append(req.BlockTable, id)
	case 0:
		if last.hash != 0 {
			panic("filling block should not be sealed")
		}
		tokens := req.Block(req.NumBlocks() - 1)
		var prefixHash uint64
		if len(table) > 1 {
			prefixHash = bm.blocks[table[len(table)-2]].hash
		}
		h := bm.chainHash(tokens, prefixHash)
		last.update(h, tokens)
		bm.hashToBlock[h] = last.id
	default:
		if last.hash != 0 {
			panic("filling block should not be sealed")
		}
	}
}

func tokensEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
