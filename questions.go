package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Question is a single multiple-choice round, immutable once issued.
type Question struct {
	Text    string   `json:"text"`
	Answers []string `json:"answers"`
	Correct string   `json:"correct"`
}

// correctIndex returns the position of the correct answer within the
// answer list, or -1 if the question is malformed.
func (q Question) correctIndex() int {
	for i, a := range q.Answers {
		if a == q.Correct {
			return i
		}
	}
	return -1
}

// questionSource provides the ordered question set for one match. A fetch
// failure means "no questions available"; it must never corrupt room state.
type questionSource interface {
	fetch(ctx context.Context, count int) ([]Question, error)
}

func newQuestionSource(cfg *Config) questionSource {
	if cfg.questionsURL == "" {
		return &staticQuestionSource{}
	}

	return &httpQuestionSource{
		url:    cfg.questionsURL,
		client: &http.Client{Timeout: timeout},
	}
}

// httpQuestionSource fetches questions from an external provider as a JSON
// array of {text, answers, correct} records.
type httpQuestionSource struct {
	url    string
	client *http.Client
}

func (s *httpQuestionSource) fetch(ctx context.Context, count int) ([]Question, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("parse questions url: %w", err)
	}

	q := u.Query()
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build questions request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch questions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("question source returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read questions response: %w", err)
	}

	var questions []Question
	if err := json.Unmarshal(body, &questions); err != nil {
		return nil, fmt.Errorf("parse questions response: %w", err)
	}

	valid := make([]Question, 0, len(questions))
	for _, q := range questions {
		if len(q.Answers) != 4 || q.correctIndex() < 0 {
			continue
		}
		valid = append(valid, q)
	}

	if len(valid) == 0 {
		return nil, fmt.Errorf("question source returned no usable questions")
	}
	if len(valid) > count {
		valid = valid[:count]
	}

	return valid, nil
}

// staticQuestionSource serves a shuffled subset of the built-in question
// set, keeping the server playable without an external provider.
type staticQuestionSource struct{}

func (s *staticQuestionSource) fetch(_ context.Context, count int) ([]Question, error) {
	questions := make([]Question, len(builtinQuestions))
	copy(questions, builtinQuestions)

	// Fisher-Yates shuffle using crypto/rand
	for i := len(questions) - 1; i > 0; i-- {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		j := int(b[0]) % (i + 1)
		questions[i], questions[j] = questions[j], questions[i]
	}

	if count < len(questions) {
		questions = questions[:count]
	}

	return questions, nil
}

var builtinQuestions = []Question{
	{
		Text:    "What is the largest planet in the solar system?",
		Answers: []string{"Jupiter", "Saturn", "Neptune", "Earth"},
		Correct: "Jupiter",
	},
	{
		Text:    "Which element has the chemical symbol Au?",
		Answers: []string{"Silver", "Gold", "Aluminium", "Argon"},
		Correct: "Gold",
	},
	{
		Text:    "How many strings does a standard violin have?",
		Answers: []string{"Six", "Five", "Four", "Seven"},
		Correct: "Four",
	},
	{
		Text:    "In which year did the first person walk on the Moon?",
		Answers: []string{"1959", "1965", "1972", "1969"},
		Correct: "1969",
	},
	{
		Text:    "What is the capital of Australia?",
		Answers: []string{"Sydney", "Canberra", "Melbourne", "Perth"},
		Correct: "Canberra",
	},
	{
		Text:    "Which ocean is the deepest?",
		Answers: []string{"Atlantic", "Indian", "Pacific", "Arctic"},
		Correct: "Pacific",
	},
	{
		Text:    "Who painted the Mona Lisa?",
		Answers: []string{"Michelangelo", "Raphael", "Rembrandt", "Leonardo da Vinci"},
		Correct: "Leonardo da Vinci",
	},
	{
		Text:    "What is the smallest prime number?",
		Answers: []string{"Two", "One", "Three", "Zero"},
		Correct: "Two",
	},
	{
		Text:    "Which country has the longest coastline?",
		Answers: []string{"Canada", "Russia", "Australia", "Indonesia"},
		Correct: "Canada",
	},
	{
		Text:    "What gas do plants absorb from the atmosphere?",
		Answers: []string{"Oxygen", "Nitrogen", "Carbon dioxide", "Hydrogen"},
		Correct: "Carbon dioxide",
	},
	{
		Text:    "How many bones are in the adult human body?",
		Answers: []string{"196", "206", "226", "186"},
		Correct: "206",
	},
	{
		Text:    "Which planet is known as the Red Planet?",
		Answers: []string{"Venus", "Mercury", "Jupiter", "Mars"},
		Correct: "Mars",
	},
}
