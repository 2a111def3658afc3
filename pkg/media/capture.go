package media

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const opusRate = 48000

// Opus frame with no sound (TOC: 20ms CELT FB, zero-length payload).
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

type capture interface {
	next() (frame []byte, duration time.Duration, err error)
	close() error
}

// silence is a capture without a device.
type silence struct{ frame time.Duration }

func (s silence) next() ([]byte, time.Duration, error) { return silenceFrame, s.frame, nil }
func (s silence) close() error                          { return nil }

// oggCapture plays Opus pages of an Ogg file in a loop.
type oggCapture struct {
	f       *os.File
	r       *oggreader.OggReader
	granule uint64
}

func newOggCapture(path string) (*oggCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &oggCapture{f: f, r: r}, nil
}

func (o *oggCapture) next() ([]byte, time.Duration, error) {
	rewound := false
	for {
		page, header, err := o.r.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if rewound {
				return nil, 0, io.ErrUnexpectedEOF
			}
			if err = o.rewind(); err != nil {
				return nil, 0, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if header.GranulePosition <= o.granule {
			// headers
			continue
		}
		samples := header.GranulePosition - o.granule
		o.granule = header.GranulePosition
		return page, time.Duration(samples) * time.Second / opusRate, nil
	}
}

func (o *oggCapture) rewind() error {
	if _, err := o.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(o.f)
	if err != nil {
		return err
	}
	o.r, o.granule = r, 0
	return nil
}

func (o *oggCapture) close() error { return o.f.Close() }
