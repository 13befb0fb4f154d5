package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestroyWipes(t *testing.T) {
	assert := assert.New(t)

	buf := From([]byte{1, 2, 3, 4})
	view := buf.Bytes()
	assert.Equal([]byte{1, 2, 3, 4}, view)
	assert.Equal(4, buf.Len())

	buf.Destroy()
	assert.Equal([]byte{0, 0, 0, 0}, view)
	assert.Nil(buf.Bytes())

	assert.NotPanics(buf.Destroy)
	var nilBuf *Buffer
	assert.NotPanics(nilBuf.Destroy)
}

func TestFromDoesNotAlias(t *testing.T) {
	assert := assert.New(t)

	src := []byte{9, 9}
	buf := From(src)
	defer buf.Destroy()
	buf.Bytes()[0] = 0
	assert.Equal([]byte{9, 9}, src)
}

func TestZero(t *testing.T) {
	a := []byte{1, 2}
	b := []byte{3}
	Zero(a, b, nil)
	assert.Equal(t, []byte{0, 0}, a)
	assert.Equal(t, []byte{0}, b)
}
