package api

// GestureAction is what a recognized hand gesture from the companion
// app means. TextCommand, when set, is fed to the assistant as if the
// user had typed it.
type GestureAction struct {
	Action        string
	Label         string
	TextCommand   string
	MinConfidence float64
}

// gestures maps MediaPipe gesture recognizer names to actions.
var gestures = map[string]GestureAction{
	"Thumb_Up":    {Action: "confirm", Label: "Confirmed", TextCommand: "Yes, confirmed.", MinConfidence: 0.70},
	"Thumb_Down":  {Action: "negative", Label: "No", TextCommand: "No, that's not right.", MinConfidence: 0.70},
	"Open_Palm":   {Action: "stop", Label: "Stop", MinConfidence: 0.70},
	"Victory":     {Action: "skip", Label: "Next", TextCommand: "Skip to the next item.", MinConfidence: 0.75},
	"Pointing_Up": {Action: "repeat", Label: "Repeat", TextCommand: "Please repeat that.", MinConfidence: 0.70},
	"Closed_Fist": {Action: "dismiss", Label: "Dismissed", MinConfidence: 0.80},
	"ILoveYou":    {Action: "acknowledge", Label: "Thanks!", TextCommand: "Thank you!", MinConfidence: 0.70},
}

// MapGesture returns the action for gesture, or false when the gesture
// is unknown or below its confidence threshold.
func MapGesture(gesture string, confidence float64) (GestureAction, bool) {
	a, ok := gestures[gesture]
	if !ok || confidence < a.MinConfidence {
		return GestureAction{}, false
	}
	return a, true
}
