package embedding

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/go-dedup/simhash"
)

// DefaultMaxDistance 两个块的 SimHash 汉明距离不超过该值时视为近重复
const DefaultMaxDistance = 3

// chunkFeatureSet 实现 simhash.FeatureSet：英文按词，中文按相邻字二元组
type chunkFeatureSet struct {
	text string
}

func (f chunkFeatureSet) GetFeatures() []simhash.Feature {
	var features []simhash.Feature
	var cjk []rune
	flushCJK := func() {
		if len(cjk) == 1 {
			features = append(features, simhash.NewFeature([]byte(string(cjk))))
		}
		for i := 0; i+1 < len(cjk); i++ {
			features = append(features, simhash.NewFeature([]byte(string(cjk[i:i+2]))))
		}
		cjk = cjk[:0]
	}

	var word strings.Builder
	flushWord := func() {
		if word.Len() > 0 {
			features = append(features, simhash.NewFeature([]byte(word.String())))
			word.Reset()
		}
	}

	for _, r := range strings.ToLower(f.text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return features
}

// Fingerprint 计算文本的 64 位 SimHash 指纹
func Fingerprint(text string) uint64 {
	return simhash.NewSimhash().GetSimhash(chunkFeatureSet{text: text})
}

// DedupChunks 去除近重复的文本块，保留先出现的块
func DedupChunks(chunks []string, maxDistance int) []string {
	if maxDistance < 0 {
		maxDistance = DefaultMaxDistance
	}
	kept := make([]string, 0, len(chunks))
	prints := make([]uint64, 0, len(chunks))
outer:
	for _, c := range chunks {
		fp := Fingerprint(c)
		for _, p := range prints {
			if bits.OnesCount64(fp^p) <= maxDistance {
				continue outer
			}
		}
		kept = append(kept, c)
		prints = append(prints, fp)
	}
	return kept
}
