package codec

// Shuffle undoes the numcodecs byte shuffle filter, which groups byte i of
// every element together to improve compression.
type Shuffle struct {
	elemSize int
}

func NewShuffle(cfg Config) *Shuffle {
	size := cfg.Elementsize
	if size <= 0 {
		size = 4
	}
	return &Shuffle{elemSize: size}
}

func (*Shuffle) ID() string { return "shuffle" }

// Decode reverses the shuffle transformation.
// Input is organized as: [all byte 0s][all byte 1s]...[all byte N-1s]
// Output is organized as: [elem0][elem1]...[elemM]
func (f *Shuffle) Decode(src []byte) ([]byte, error) {
	if f.elemSize <= 1 {
		return src, nil
	}
	out := make([]byte, len(src))
	unshuffleBlock(out, src, f.elemSize)
	return out, nil
}

// unshuffleBlock writes the unshuffled form of src into dst. Trailing bytes
// that do not fill a whole element are copied unchanged.
func unshuffleBlock(dst, src []byte, elemSize int) {
	numElems := len(src) / elemSize
	for i := 0; i < numElems; i++ {
		for j := 0; j < elemSize; j++ {
			dst[i*elemSize+j] = src[j*numElems+i]
		}
	}
	tail := numElems * elemSize
	copy(dst[tail:], src[tail:])
}

