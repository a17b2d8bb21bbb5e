package options

type Options struct {
	Extension      string
	SubDirectory   string
	AllowOverwrite bool
}

type FileOption func(*Options)

func NewFileOptions(opts ...FileOption) *Options {
	o := &Options{}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

func WithFileExtension(extension string) FileOption {
	return func(o *Options) {
		o.Extension = extension
	}
}

func WithSubDirectory(subDirectory string) FileOption {
	return func(o *Options) {
		o.SubDirectory = subDirectory
	}
}

// WithAllowOverwrite lets Set replace an existing blob instead of failing.
func WithAllowOverwrite(allow bool) FileOption {
	return func(o *Options) {
		o.AllowOverwrite = allow
	}
}

// StoreKey is the flat key a backend uses for key under these options.
func (o *Options) StoreKey(key []byte) string {
	k := string(key)

	if o.Extension != "" {
		k += "." + o.Extension
	}

	if o.SubDirectory != "" {
		k = o.SubDirectory + "/" + k
	}

	return k
}
