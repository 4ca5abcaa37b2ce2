// Package blockclient reads a card exported by blockserver.
package blockclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/BertoldVdb/sdspi/blockserver/api"
	"github.com/BertoldVdb/sdspi/sdcard"
)

type Client struct {
	client http.Client
	url    string

	info api.Info

	// last block fetched by ReadAt
	cacheMutex sync.Mutex
	cacheAddr  int64
	cache      []byte
}

// New connects to a card URL such as http://host:8067/0.
func New(url string) (*Client, error) {
	c := &Client{
		client: http.Client{
			Timeout: 10 * time.Second,
		},

		url:       url,
		cacheAddr: -1,
	}

	infoRaw, err := c.doReq("info", sdcard.BlockSize)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(infoRaw, &c.info); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) doReq(endpoint string, limit int64) ([]byte, error) {
	resp, err := c.client.Get(c.url + "/" + endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("request error %s", resp.Status)
	}

	/* json.MarshalIndent output of the registers needs some room */
	return io.ReadAll(io.LimitReader(resp.Body, limit+8192))
}

func (c *Client) Info() api.Info {
	return c.info
}

func (c *Client) Serial() string {
	return c.info.Serial
}

func (c *Client) OCR() uint32 {
	return c.info.OCR
}

func (c *Client) Capacity() (uint32, error) {
	return c.info.Capacity, nil
}

// ReadCSD decodes the register from /info again, which verifies its CRC.
func (c *Client) ReadCSD() (*sdcard.CSD, error) {
	return sdcard.ParseCSD(c.info.CSD.Raw[:])
}

func (c *Client) ReadCID() (*sdcard.CID, error) {
	return sdcard.ParseCID(c.info.CID.Raw[:])
}

func (c *Client) ReadBlock(addr uint32, buf []byte) error {
	if len(buf) != sdcard.BlockSize {
		return fmt.Errorf("blockclient: buffer is %d bytes instead of %d", len(buf), sdcard.BlockSize)
	}
	return c.ReadBlocks(buf, int64(addr))
}

// ReadBlocks fetches len(dst)/512 blocks, at most api.MaxBlocks per request.
func (c *Client) ReadBlocks(dst []byte, start int64) error {
	if len(dst)%sdcard.BlockSize != 0 {
		return fmt.Errorf("blockclient: buffer is not a whole number of blocks")
	}

	for len(dst) > 0 {
		n := min(len(dst)/sdcard.BlockSize, api.MaxBlocks)

		data, err := c.doReq("block/"+strconv.FormatInt(start, 10)+"?count="+strconv.Itoa(n), int64(n*sdcard.BlockSize))
		if err != nil {
			return err
		}
		if len(data) != n*sdcard.BlockSize {
			return fmt.Errorf("blockclient: short read of block %d: %d bytes", start, len(data))
		}

		copy(dst, data)
		dst = dst[n*sdcard.BlockSize:]
		start += int64(n)
	}

	return nil
}

// ReadAt implements io.ReaderAt. Aligned reads go straight to ReadBlocks.
func (c *Client) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("blockclient: negative offset")
	}

	size := int64(c.info.Capacity) * sdcard.BlockSize
	if off >= size {
		return 0, io.EOF
	}

	want := len(p)
	if int64(want) > size-off {
		p = p[:size-off]
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		addr := pos / sdcard.BlockSize

		if pos%sdcard.BlockSize == 0 && len(p)-n >= sdcard.BlockSize {
			whole := (len(p) - n) / sdcard.BlockSize * sdcard.BlockSize
			if err := c.ReadBlocks(p[n:n+whole], addr); err != nil {
				return n, err
			}
			n += whole
			continue
		}

		c.cacheMutex.Lock()
		if c.cacheAddr != addr {
			if c.cache == nil {
				c.cache = make([]byte, sdcard.BlockSize)
			}
			c.cacheAddr = -1
			if err := c.ReadBlocks(c.cache, addr); err != nil {
				c.cacheMutex.Unlock()
				return n, err
			}
			c.cacheAddr = addr
		}
		n += copy(p[n:], c.cache[pos%sdcard.BlockSize:])
		c.cacheMutex.Unlock()
	}

	if n < want {
		return n, io.EOF
	}
	return n, nil
}

func (c *Client) Close() error {
	return nil
}
