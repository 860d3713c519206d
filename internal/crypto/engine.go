package crypto

// Engine carries the parameters used for new wrappers. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	KDF    KDFParams
	Cipher Cipher
}

func NewEngine(kdf KDFParams, c Cipher) (*Engine, error) {
	if err := kdf.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.aead(make([]byte, KeySize)); err != nil {
		return nil, err
	}
	return &Engine{KDF: kdf, Cipher: c}, nil
}

// DefaultEngine is PBKDF2-SHA256 at 100k iterations with AES-256-GCM, the
// profile web clients derive with.
func DefaultEngine() *Engine {
	return &Engine{KDF: DefaultKDF(), Cipher: AES256GCM}
}
