package salesguard

// Step is one stage of the scripted sales conversation and the question the
// assistant is expected to ask there.
type Step struct {
	Number   int
	Topic    string
	Question string
}

var defaultScript = []Step{
	{1, "opening", "What kind of photography do you shoot most often?"},
	{2, "volume", "How many photos do you usually come home with after a shoot?"},
	{3, "culling time", "How long does it take you to cull a typical shoot today?"},
	{4, "current tools", "What are you using to cull and rate your photos right now?"},
	{5, "pain", "What is the most frustrating part of culling for you?"},
	{6, "cost of time", "What would you do with the hours you get back each week?"},
	{7, "goal", "How many shoots would you like to deliver each month?"},
	{8, "commitment", "Are you ready to try Kull on your next shoot?"},
	{9, "plan", "Would the monthly or the annual plan suit you better?"},
}

// DefaultScript returns a copy of the built-in step table.
func DefaultScript() []Step {
	out := make([]Step, len(defaultScript))
	copy(out, defaultScript)
	return out
}
