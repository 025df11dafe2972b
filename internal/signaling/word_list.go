package signaling

// Word lists for generated room ids.

var adjectives = []string{
	"amber", "brisk", "calm", "dusky", "eager", "fuzzy", "gentle", "hazy", "icy", "jolly",
	"keen", "lucky", "mellow", "nimble", "odd", "plucky", "quiet", "rusty", "sleepy", "tidy",
	"upbeat", "vivid", "witty", "young", "zesty", "bold", "crisp", "dapper", "fancy", "glossy",
}

var animals = []string{
	"otter", "heron", "lynx", "badger", "gecko", "marmot", "ibis", "tapir", "walrus", "yak",
	"bison", "coyote", "dingo", "egret", "ferret", "gibbon", "hyena", "impala", "jackal", "kiwi",
	"lemur", "mink", "newt", "ocelot", "puffin", "quokka", "raven", "stoat", "toad", "vole",
}

var dishes = []string{
	"dumpling", "bagel", "crepe", "gumbo", "hummus", "kimchi", "latke", "mochi", "nacho", "pho",
	"pretzel", "scone", "strudel", "tamale", "tofu", "udon", "wonton", "churro", "couscous", "empanada",
	"focaccia", "goulash", "jambalaya", "muffin", "pilaf", "ravioli", "sorbet", "tapenade", "tortilla", "ziti",
}
