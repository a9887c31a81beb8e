// Package content holds the static coaching texts and the seed exercise
// catalog shipped with the bot.
package content

import "github.com/somnolab/somnia/internal/model"

const RecallTips = `Recall and Lucidity Tips

1) Keep your phone next to the bed and log immediately on waking.
2) Use a short title plus 3 symbols before full writing.
3) Do 8-12 reality checks across the day.
4) Before sleep repeat: 'Next time I dream, I know I'm dreaming.'
5) Sleep 7.5-9h. Lucidity falls sharply with sleep debt.
6) If awake after 5-6h sleep, do 15-25 min calm wake-back-to-bed.
7) Re-read old entries weekly to detect recurring dream signs.`

const DreamTypesGuide = `Dream Types

1) Ordinary: everyday scenes and logic.
2) Lucid: you realize you are dreaming and can influence events.
3) Nightmare: fear-heavy dreams often linked to stress processing.
4) Vivid: high detail, color, sensory intensity.
5) Recurring: repeating locations, themes, or conflicts.
6) False Awakening: dream of waking up while still asleep.`

const BaselineProtocol = `Lucid Dream Protocol (baseline):
- Morning: write within 3 minutes of waking.
- Daytime: 10 reality checks tied to cues (doorways, mirrors, phone).
- Evening: 10 minutes dream-sign review + intention script.
- Night: optional WBTB 1-2 times/week only if rested.
- Weekly: symbol review and trigger plan update.`

// ProbingQuestions seed reality-check reminders and the drill.
var ProbingQuestions = []string{
	"What element grabbed your attention most vividly, and why?",
	"Was the setting realistic or fantastic? What memory does it resemble?",
	"What emotion dominated the dream from start to finish?",
	"Did any symbol or person appear that has shown up before?",
	"Where did your control increase or collapse in the dream?",
	"How did the dream ending affect your waking mood?",
}

// SeedExercises is the lucid-practice catalog loaded into the store on
// startup. IDs are stable so reseeding is idempotent.
var SeedExercises = []model.Exercise{
	{ExerciseID: "reality-check-ladder", Title: "Reality Check Ladder", Tier: 1,
		Instructions: "Pick three daily cues (doorways, mirrors, your phone). At each cue pause, count your fingers, and re-read any nearby text twice. Ask: am I dreaming?"},
	{ExerciseID: "dream-sign-review", Title: "Dream Sign Review", Tier: 1,
		Instructions: "Read your last week of entries. Circle recurring people, places, and symbols. Pick one as tonight's trigger: 'when I see it, I check.'"},
	{ExerciseID: "intention-script", Title: "Intention Script", Tier: 1,
		Instructions: "Before sleep, repeat for five minutes: 'Next time I dream, I know I'm dreaming.' Keep the phrase while drifting off."},
	{ExerciseID: "mild-rehearsal", Title: "MILD Rehearsal", Tier: 2,
		Instructions: "On waking from a dream, replay it once, then re-enter it in imagination at the moment a dream sign appeared and rehearse becoming lucid there."},
	{ExerciseID: "wbtb-short", Title: "Short Wake-Back-To-Bed", Tier: 2,
		Instructions: "After 5-6 hours of sleep, stay calmly awake for 15-25 minutes reviewing dream signs, then return to bed with the intention phrase."},
	{ExerciseID: "anchor-spin", Title: "Anchor and Spin", Tier: 3,
		Instructions: "When lucidity starts, rub your hands or spin in place to stabilize the scene before attempting anything else. Name three objects out loud."},
	{ExerciseID: "planned-action", Title: "Planned Dream Action", Tier: 3,
		Instructions: "Choose one concrete action in advance (open a door, fly to a rooftop). On becoming lucid, execute it immediately, then log how far you got."},
}
