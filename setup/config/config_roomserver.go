package config

type RoomServer struct {
	Matrix *Global `yaml:"-"`

	// How many server-visibility decisions to keep cached per process.
	ServerVisibilityCacheSize int `yaml:"server_visibility_cache_size"`
	// How many user-visibility decisions to keep cached per process.
	UserVisibilityCacheSize int `yaml:"user_visibility_cache_size"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.ServerVisibilityCacheSize = 1024
	c.UserVisibilityCacheSize = 1024
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkNotZero(configErrs, "room_server.server_visibility_cache_size", int64(c.ServerVisibilityCacheSize))
	checkNotZero(configErrs, "room_server.user_visibility_cache_size", int64(c.UserVisibilityCacheSize))
}
