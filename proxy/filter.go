package proxy

var blackList = []string{
	"CLUSTER",
	"SELECT",
	"KEYS", "MOVE", "OBJECT", "RENAME", "RENAMENX", "SORT", "SCAN", "BITOP",
	"MSETNX",
	"BLPOP", "BRPOP", "BRPOPLPUSH", "PSUBSCRIBE", "PUBLISH", "PUNSUBSCRIBE", "SUBSCRIBE", "RANDOMKEY",
	"UNSUBSCRIBE", "DISCARD", "EXEC", "MULTI", "UNWATCH", "WATCH", "SCRIPT",
	"AUTH", "BGREWRITEAOF", "BGSAVE", "CLIENT",
	"CONFIG", "DBSIZE", "DEBUG", "FLUSHALL", "FLUSHDB",
	"LASTSAVE", "MONITOR", "SAVE", "SHUTDOWN", "SLAVEOF", "SLOWLOG", "SYNC", "TIME",
}

var BlackListCmds = make(map[string]bool)

// argument count of one key in a multi key command
var multiKeyCmds = map[string]int{
	DEL:    1,
	UNLINK: 1,
	EXISTS: 1,
	TOUCH:  1,
	MGET:   1,
	MSET:   2,
}

func init() {
	for _, cmd := range blackList {
		BlackListCmds[cmd] = true
	}
}

// IsBlackListCmd expects an upper case command name
func IsBlackListCmd(name string) bool {
	return BlackListCmds[name]
}

// IsMultiKeyCmd reports whether the command may span several slots, and how many arguments belong to each key
func IsMultiKeyCmd(name string) (step int, multiKey bool) {
	step, multiKey = multiKeyCmds[name]
	return
}
