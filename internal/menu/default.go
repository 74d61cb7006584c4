package menu

// defaultTree is the demo menu used when no menu file is configured.
const defaultTree = `
"1":
  "1": {action: Goto, params: "Queue 1.1"}
  "2": {action: ForwardNumber, params: "1.2"}
  "3":
    "1": {action: Goto, params: "Queue 1.3.1"}
    "9": {action: Goto, params: "Queue 1.3.9"}
    "*": {action: PreviousMenu, params: "*"}
  "*": {action: PreviousMenu, params: "*"}
"2": {action: ForwardNumber, params: "2.0"}
"*": {action: RepeatOptions, params: "*"}
`

// Default returns the built-in demo menu.
func Default() *Tree {
	return MustParse([]byte(defaultTree))
}
