package bamboo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLipmaaVectors(t *testing.T) {
	vectors := map[uint64]uint64{
		1:   0,
		2:   1,
		3:   2,
		4:   1,
		5:   4,
		6:   5,
		7:   6,
		8:   4,
		9:   8,
		12:  8,
		13:  4,
		14:  13,
		17:  13,
		26:  13,
		39:  26,
		40:  13,
		121: 40,
	}
	for seqNum, expected := range vectors {
		assert.Equalf(t, expected, Lipmaa(seqNum), "lipmaa(%d)", seqNum)
	}
}

func TestLipmaaAlwaysPointsBackwards(t *testing.T) {
	for seqNum := uint64(2); seqNum < 5000; seqNum++ {
		link := Lipmaa(seqNum)
		if link == 0 || link >= seqNum {
			t.Fatalf("lipmaa(%d) = %d, expected a smaller positive position", seqNum, link)
		}
	}
}

func TestSeqNumLinks(t *testing.T) {
	first := FirstSeqNum
	_, hasBacklink := first.Backlink()
	assert.False(t, hasBacklink)
	_, hasSkiplink := first.Skiplink()
	assert.False(t, hasSkiplink)
	assert.False(t, first.HasSkiplink())

	thirteen := SeqNum(13)
	backlink, _ := thirteen.Backlink()
	skiplink, _ := thirteen.Skiplink()
	assert.Equal(t, SeqNum(12), backlink)
	assert.Equal(t, SeqNum(4), skiplink)
	assert.True(t, thirteen.HasSkiplink())

	// lipmaa(3) is the backlink position, so the entry carries no own skiplink.
	assert.False(t, SeqNum(3).HasSkiplink())
	assert.True(t, SeqNum(4).HasSkiplink())
}

func TestCertificatePool(t *testing.T) {
	assert.Equal(t, []uint64{40, 13, 4, 1}, CertificatePool(40))
	assert.Equal(t, []uint64{1}, CertificatePool(1))
	assert.Nil(t, CertificatePool(0))
}
