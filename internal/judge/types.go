package judge

// Submission is the Judge0 request body.
type Submission struct {
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`
	Stdin      string `json:"stdin,omitempty"`
}

// SubmissionStatus is Judge0's verdict descriptor.
type SubmissionStatus struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// Response is the synchronous (wait=true) Judge0 result.
type Response struct {
	Stdout        string           `json:"stdout"`
	Stderr        string           `json:"stderr"`
	CompileOutput string           `json:"compile_output"`
	Message       string           `json:"message"`
	Time          string           `json:"time"`
	Memory        int              `json:"memory"`
	Status        SubmissionStatus `json:"status"`
}

// Judge0 status id families.
const (
	statusAccepted     = 3
	statusWrongAnswer  = 4
	statusTimeLimit    = 5
	statusCompileError = 6
)

func (r *Response) Accepted() bool     { return r.Status.ID == statusAccepted }
func (r *Response) WrongAnswer() bool  { return r.Status.ID == statusWrongAnswer }
func (r *Response) TimedOut() bool     { return r.Status.ID == statusTimeLimit }
func (r *Response) CompileError() bool { return r.Status.ID == statusCompileError }

// RuntimeError covers Judge0's runtime-error family (SIGSEGV, NZEC and
// friends).
func (r *Response) RuntimeError() bool { return r.Status.ID >= 7 && r.Status.ID <= 12 }

// Executed reports whether the program actually ran to completion, so
// its stdout is worth grading.
func (r *Response) Executed() bool { return r.Accepted() || r.WrongAnswer() }
