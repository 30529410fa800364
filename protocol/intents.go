package protocol

import "errors"

// Inbound message tags
const (
	TypeSessionCreate    = "session.create"
	TypeSessionDestroy   = "session.destroy"
	TypeSessionInput     = "session.input"
	TypeSessionResize    = "session.resize"
	TypeSessionAttach    = "session.attach"
	TypeSessionDetach    = "session.detach"
	TypeSessionRename    = "session.rename"
	TypeSessionAssignTab = "session.assignTab"
	TypeTabCreate        = "tab.create"
	TypeTabUpdate        = "tab.update"
	TypeTabDelete        = "tab.delete"
	TypeTabReorder       = "tab.reorder"
)

// Intent is a decoded client request. The set of implementations is closed.
type Intent interface {
	Type() string
	validate() error
}

var intentTypes = map[string]func() Intent{
	TypeSessionCreate:    func() Intent { return &CreateSession{} },
	TypeSessionDestroy:   func() Intent { return &DestroySession{} },
	TypeSessionInput:     func() Intent { return &Input{} },
	TypeSessionResize:    func() Intent { return &Resize{} },
	TypeSessionAttach:    func() Intent { return &Attach{} },
	TypeSessionDetach:    func() Intent { return &Detach{} },
	TypeSessionRename:    func() Intent { return &Rename{} },
	TypeSessionAssignTab: func() Intent { return &AssignTab{} },
	TypeTabCreate:        func() Intent { return &CreateTab{} },
	TypeTabUpdate:        func() Intent { return &UpdateTab{} },
	TypeTabDelete:        func() Intent { return &DeleteTab{} },
	TypeTabReorder:       func() Intent { return &ReorderTab{} },
}

var errMissingID = errors.New("id is required")

type CreateSession struct {
	Name  string  `json:"name,omitempty"`
	Cols  int     `json:"cols"`
	Rows  int     `json:"rows"`
	Cwd   string  `json:"cwd,omitempty"`
	TabID *string `json:"tabId,omitempty"`
}

type DestroySession struct {
	ID     string `json:"id"`
	Force  bool   `json:"force,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Input struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

type Resize struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type Attach struct {
	ID string `json:"id"`
}

type Detach struct {
	ID string `json:"id"`
}

type Rename struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AssignTab moves a session into a tab. Position nil appends.
type AssignTab struct {
	ID       string `json:"id"`
	TabID    string `json:"tabId"`
	Position *int   `json:"position,omitempty"`
}

type CreateTab struct {
	Name      string `json:"name,omitempty"`
	Position  *int   `json:"position,omitempty"`
	Directory string `json:"directory,omitempty"`
}

type UpdateTab struct {
	ID        string  `json:"id"`
	Name      *string `json:"name,omitempty"`
	Directory *string `json:"directory,omitempty"`
}

type DeleteTab struct {
	ID string `json:"id"`
}

type ReorderTab struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

func (*CreateSession) Type() string  { return TypeSessionCreate }
func (*DestroySession) Type() string { return TypeSessionDestroy }
func (*Input) Type() string          { return TypeSessionInput }
func (*Resize) Type() string         { return TypeSessionResize }
func (*Attach) Type() string         { return TypeSessionAttach }
func (*Detach) Type() string         { return TypeSessionDetach }
func (*Rename) Type() string         { return TypeSessionRename }
func (*AssignTab) Type() string      { return TypeSessionAssignTab }
func (*CreateTab) Type() string      { return TypeTabCreate }
func (*UpdateTab) Type() string      { return TypeTabUpdate }
func (*DeleteTab) Type() string      { return TypeTabDelete }
func (*ReorderTab) Type() string     { return TypeTabReorder }

func (*CreateSession) validate() error    { return nil }
func (i *DestroySession) validate() error { return requireID(i.ID) }
func (i *Input) validate() error          { return requireID(i.ID) }
func (i *Resize) validate() error         { return requireID(i.ID) }
func (i *Attach) validate() error         { return requireID(i.ID) }
func (i *Detach) validate() error         { return requireID(i.ID) }
func (i *DeleteTab) validate() error      { return requireID(i.ID) }
func (i *ReorderTab) validate() error     { return requireID(i.ID) }
func (*CreateTab) validate() error        { return nil }

func (i *Rename) validate() error {
	if err := requireID(i.ID); err != nil {
		return err
	}
	if i.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func (i *AssignTab) validate() error {
	if err := requireID(i.ID); err != nil {
		return err
	}
	if i.TabID == "" {
		return errors.New("tabId is required")
	}
	return nil
}

func (i *UpdateTab) validate() error {
	if err := requireID(i.ID); err != nil {
		return err
	}
	if i.Name != nil && *i.Name == "" {
		return errors.New("name cannot be empty")
	}
	return nil
}

func requireID(id string) error {
	if id == "" {
		return errMissingID
	}
	return nil
}
