package artifact

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/netsnap/netsnap/pkg/types"
)

// ReadArtifact reads an artifact file as text, transparently decompressing
// .gz files and falling back through the UTF-8 -> GBK -> latin-1 decode
// chain. Artifacts are always written UTF-8; the fallback accommodates
// files imported from devices with non-ASCII banners.
func ReadArtifact(path string) (string, error) {
	raw, err := readMaybeGzip(path, -1)
	if err != nil {
		return "", err
	}
	return decodeText(raw), nil
}

// ReadArtifactLimited reads at most limit bytes of decoded text, for the
// quick-compare path
func ReadArtifactLimited(path string, limit int64) (string, error) {
	raw, err := readMaybeGzip(path, limit)
	if err != nil {
		return "", err
	}
	return decodeText(raw), nil
}

func readMaybeGzip(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: artifact %s", types.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", types.ErrStorage, err)
		}
		defer gr.Close()
		r = gr
	}
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", types.ErrStorage, err)
	}
	return data, nil
}

// decodeText applies the UTF-8 -> GBK -> latin-1 chain. Latin-1 maps every
// byte, so decoding never fails outright.
func decodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw); err == nil && utf8.Valid(decoded) {
		return string(decoded)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		// unreachable: latin-1 accepts all byte values
		var b bytes.Buffer
		for _, c := range raw {
			b.WriteRune(rune(c))
		}
		return b.String()
	}
	return string(decoded)
}
