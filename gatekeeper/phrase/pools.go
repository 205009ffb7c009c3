package phrase

var openers = []string{
	"Wow,", "Hey,", "Just watched this,", "Honestly,", "Okay,", "Checking this out,", "This is", "I think this is",
	"Definitely", "Just saw this and", "My thoughts exactly:", "Impressive stuff,", "Really enjoying this,",
	"Great to see", "Always appreciate", "Wanted to say,", "As a long-time viewer,", "Yo,", "Not gonna lie,",
	"Came here to say,", "Seriously,", "Alright,", "Okay, hold up,", "I rarely comment, but", "Look,",
}

var adjectives = []string{
	"amazing", "fantastic", "incredible", "really cool", "great", "awesome", "interesting", "superb",
	"top-notch", "brilliant", "excellent", "wonderful", "outstanding", "remarkable", "engaging", "insightful",
	"creative", "well-made", "polished", "unique", "fresh", "inspiring", "helpful", "entertaining",
	"phenomenal", "flawless", "next-level", "underrated", "refreshing", "genuine", "stellar", "legendary",
}

var nouns = []string{
	"video", "work", "content", "upload", "creation", "piece", "production", "effort", "presentation",
	"clip", "episode", "segment", "approach", "style", "message", "topic", "masterpiece", "explanation",
	"breakdown", "analysis", "series", "tutorial", "story", "review", "take", "channel", "guide",
}

var connectives = []string{
	"and I think", "because it's", "especially the", "which is truly", "and it shows in the",
	"it's clear that the", "I can tell the", "and I love the", "because of the", "what stands out to me is",
	"I especially appreciate", "you can really feel the", "and honestly,", "what really got me was",
}

var qualities = []string{
	"attention to detail", "passion behind it", "unique angle", "clear explanation", "visuals are stunning",
	"editing is crisp", "narration is on point", "message resonates", "way it's presented", "overall vibe",
	"production value", "pacing is excellent", "sound design is perfect", "energy you bring",
	"humor is fantastic", "flow of the narrative", "level of expertise", "choice of music",
}

var closers = []string{
	"keep it up!", "sharing this!", "subscribed!", "well done!", "impressive!", "thanks for sharing!",
	"more like this please!", "two thumbs up!", "looking forward to more!", "highly recommend!", "made my day!",
	"a must-watch!", "will be back for more!", "excellent work!", "Can't wait for the next video!",
	"Keep up the fantastic work!", "Instant subscribe.", "Pure gold.", "Massive respect.", "Legend!",
}
