package cache

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Exists(filename string) bool {
	return false
}

func (c *NoopCache) Read(filename string) ([]byte, error) {
	return nil, ErrNotFound
}

func (c *NoopCache) Write(filename string, data []byte) error {
	return nil
}

func (c *NoopCache) Dir() string {
	return ""
}
