package utils

import (
	"regexp"
)

const (
	DefaultBufferSize = 256 * 1024      // per-read buffer for streamed bodies
	SocketBufferSize  = 1024 * 1024 * 8 // SO_RCVBUF / SO_SNDBUF in high thread mode
	DefaultMinChunk   = 1024 * 1024 * 2 // smallest chunk worth a dedicated connection
	MaxConnections    = 64              // hard upper bound for connections and chunks
	HighThreadLimit   = 5               // above this many connections, tune sockets
	TempDirName       = ".fastdl-temp"
	ToolUserAgent     = "fastdl/1.0"
)

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// Local-only User-Agent list
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 Edg/132.0.0.0",
	"curl/8.5.0",
	"Wget/1.21.4",
}
