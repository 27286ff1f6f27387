// elSim: streaming BAM/BGZF encoding and BAI indexing.
// Copyright (c) 2017-2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elsim/blob/master/LICENSE.txt>.

package bgzf

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/exascience/pargo/pipeline"
	"github.com/klauspost/compress/flate"

	"github.com/exascience/elsim/utils"
)

// IsGzip determines if the the given byte scanner produces
// a gzip file. It uses ReadByte and UnreadByte to check
// only the initial byte from the input.
func IsGzip(scanner io.ByteScanner) (bool, error) {
	b, err := scanner.ReadByte()
	if err != nil {
		return false, err
	}
	if err := scanner.UnreadByte(); err != nil {
		return false, err
	}
	return b == 0x1f, nil
}

const (
	// maxBlockSize is the maximum size of a BGZF block, both compressed
	// and uncompressed.
	maxBlockSize = 65536

	// BlockSize is the amount of uncompressed data the Writer puts
	// into one block. It leaves room for incompressible input.
	BlockSize = 0xff00
)

var eofMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// Terminator returns a copy of the empty block that ends every BGZF
// file.
func Terminator() []byte {
	return append([]byte(nil), eofMarker...)
}

// IsTerminator reports whether block is the BGZF EOF marker.
func IsTerminator(block []byte) bool {
	return bytes.Equal(block, eofMarker)
}

type (
	bytesBlock struct {
		bytes []byte
	}

	// Writer writes in parallel to a BGZF file. Blocks are compressed
	// concurrently, but written in order.
	Writer struct {
		w       io.Writer
		p       pipeline.Pipeline
		wait    sync.WaitGroup
		block   *bytesBlock
		channel chan *bytesBlock
		done    chan struct{}
		ctx     context.Context
		data    interface{}
		closed  bool
		aborted atomic.Bool
	}

	internalWriter Writer
)

func (*internalWriter) Err() error {
	return nil
}

func (writer *internalWriter) Prepare(ctx context.Context) (size int) {
	writer.ctx = ctx
	return -1
}

func (writer *internalWriter) Fetch(size int) (fetched int) {
	select {
	case block, ok := <-writer.channel:
		if ok {
			writer.data = block
			return 1
		}
	case <-writer.ctx.Done():
	}
	writer.data = nil
	return 0
}

func (writer *internalWriter) Data() interface{} {
	return writer.data
}

var (
	bytesPool = sync.Pool{New: func() interface{} {
		return &bytesBlock{bytes: make([]byte, 0, maxBlockSize)}
	}}

	flateWriterPools sync.Map
)

func flateWriterPool(level int) *sync.Pool {
	pool, _ := flateWriterPools.LoadOrStore(level, new(sync.Pool))
	return pool.(*sync.Pool)
}

// compressBlock deflates one block of uncompressed data into a complete
// BGZF block, header and footer included.
func compressBlock(out, data []byte, level int) ([]byte, error) {
	gzBuf := bytes.NewBuffer(out[:0])
	gzBuf.Write([]byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
		0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
		0x42, 0x43, 0x02, 0x00, 0x00, 0x00,
	})
	pool := flateWriterPool(level)
	var flateWriter *flate.Writer
	if pooled := pool.Get(); pooled != nil {
		flateWriter = pooled.(*flate.Writer)
		flateWriter.Reset(gzBuf)
	} else {
		var err error
		if flateWriter, err = flate.NewWriter(gzBuf, level); err != nil {
			return nil, err
		}
	}
	if _, err := flateWriter.Write(data); err != nil {
		return nil, err
	}
	if err := flateWriter.Close(); err != nil {
		return nil, err
	}
	pool.Put(flateWriter)
	out = gzBuf.Bytes()
	index := len(out)
	out = append(out, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(out[index:index+4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(out[index+4:index+8], uint32(len(data)))
	if len(out) > maxBlockSize {
		return nil, errors.Newf("BGZF block overflow: %d compressed bytes", len(out))
	}
	binary.LittleEndian.PutUint16(out[16:18], uint16(len(out)-1))
	return out, nil
}

// NewWriter returns a Writer for the given io.Writer.
//
// Following zlib, levels range from 1 (BestSpeed) to 9 (BestCompression);
// higher levels typically run slower but compress more. Level 0
// (NoCompression) does not attempt any compression; it only adds the
// necessary DEFLATE framing.
// Level -1 (DefaultCompression) uses the default compression level.
// Level -2 (HuffmanOnly) will use Huffman compression only, giving
// a very fast compression for all types of input, but sacrificing considerable
// compression efficiency.
func NewWriter(w io.Writer, level int) *Writer {
	bgzf := &Writer{
		w:       w,
		block:   bytesPool.Get().(*bytesBlock),
		channel: make(chan *bytesBlock, 1),
		done:    make(chan struct{}),
	}
	bgzf.p.Source((*internalWriter)(bgzf))
	bgzf.p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		block := data.(*bytesBlock)
		gzBytes := bytesPool.Get().(*bytesBlock)
		compressed, err := compressBlock(gzBytes.bytes, block.bytes, level)
		if err != nil {
			bgzf.p.SetErr(err)
			compressed = compressed[:0]
		}
		gzBytes.bytes = compressed
		block.bytes = block.bytes[:0]
		bytesPool.Put(block)
		return gzBytes
	})), pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		gzBytes := data.(*bytesBlock)
		if len(gzBytes.bytes) > 0 && !bgzf.aborted.Load() {
			if _, err := w.Write(gzBytes.bytes); err != nil {
				bgzf.p.SetErr(utils.NewIOError("BGZF write", err))
			}
		}
		gzBytes.bytes = gzBytes.bytes[:0]
		bytesPool.Put(gzBytes)
		return nil
	})))
	bgzf.wait.Add(1)
	go func() {
		defer bgzf.wait.Done()
		defer close(bgzf.done)
		bgzf.p.Run()
	}()
	return bgzf
}

func (bgzf *Writer) sendBlock() (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = errors.New(fmt.Sprint(x))
		}
	}()
	select {
	case bgzf.channel <- bgzf.block:
		return nil
	case <-bgzf.done:
		if err := bgzf.p.Err(); err != nil {
			return err
		}
		return errors.New("BGZF writer already stopped")
	}
}

// FinishBlock ends the current block early, so that the next byte
// written starts a new block. It does not wait for the block to be
// written.
func (bgzf *Writer) FinishBlock() error {
	if len(bgzf.block.bytes) == 0 {
		return nil
	}
	if err := bgzf.sendBlock(); err != nil {
		return err
	}
	bgzf.block = bytesPool.Get().(*bytesBlock)
	return nil
}

// Close implements the corresponding method of io.Closer. It appends
// the BGZF EOF marker.
func (bgzf *Writer) Close() error {
	if bgzf.closed {
		return nil
	}
	bgzf.closed = true
	var sendErr error
	if bgzf.block != nil && len(bgzf.block.bytes) > 0 {
		sendErr = bgzf.sendBlock()
	}
	close(bgzf.channel)
	bgzf.wait.Wait()
	if err := bgzf.p.Err(); err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}
	_, err := bgzf.w.Write(eofMarker)
	return utils.NewIOError("BGZF write", err)
}

// Abort stops the Writer without writing pending blocks or the EOF
// marker, and waits for its goroutines to finish. It is a no-op after
// Close.
func (bgzf *Writer) Abort() {
	if bgzf.closed {
		return
	}
	bgzf.closed = true
	bgzf.aborted.Store(true)
	close(bgzf.channel)
	bgzf.wait.Wait()
}

// Write implements the corresponding method of io.Writer.
func (bgzf *Writer) Write(p []byte) (n int, err error) {
	n = len(p)
	for {
		blockIndex := len(bgzf.block.bytes)
		newBlockLength := blockIndex + len(p)
		if newBlockLength >= BlockSize {
			bgzf.block.bytes = bgzf.block.bytes[:BlockSize]
			k := copy(bgzf.block.bytes[blockIndex:], p)
			p = p[k:]
			if err := bgzf.sendBlock(); err != nil {
				return n - len(p), err
			}
			bgzf.block = bytesPool.Get().(*bytesBlock)
		} else {
			bgzf.block.bytes = bgzf.block.bytes[:newBlockLength]
			copy(bgzf.block.bytes[blockIndex:], p)
			return
		}
	}
}
