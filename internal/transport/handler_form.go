package transport

import (
	"net/http"
	"strconv"

	"github.com/pitabwire/recordflow/internal/forms"
	"github.com/pitabwire/recordflow/model"
)

type formBody struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Fields      []model.FormField `json:"fields"`
}

type entryBody struct {
	Data   map[string]any `json:"data"`
	Status string         `json:"status"`
}

func handleListForms(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.ListForms(r.Context(), model.RequestContextFrom(r.Context()))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

func handleCreateForm(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body formBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		in := forms.FormInput{Fields: body.Fields}
		if body.Name != nil {
			in.Name = *body.Name
		}
		if body.Description != nil {
			in.Description = *body.Description
		}

		form, err := svc.CreateForm(r.Context(), model.RequestContextFrom(r.Context()), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, form)
	}
}

func handleGetForm(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "formId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		form, err := svc.GetForm(r.Context(), model.RequestContextFrom(r.Context()), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, form)
	}
}

func handleUpdateForm(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "formId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var body formBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}

		form, err := svc.UpdateForm(r.Context(), model.RequestContextFrom(r.Context()), id, forms.FormUpdate{
			Name:        body.Name,
			Description: body.Description,
			Fields:      body.Fields,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, form)
	}
}

func handleDeleteForm(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "formId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if err := svc.DeleteForm(r.Context(), model.RequestContextFrom(r.Context()), id); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSubmitEntry accepts an optional workflow_instance_id query parameter
// binding the new entry to that instance.
func handleSubmitEntry(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formID, err := pathID(r, "formId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var instanceID *int64
		if raw := r.URL.Query().Get("workflow_instance_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				WriteError(w, r, model.NewBadRequestError("invalid workflow_instance_id"))
				return
			}
			instanceID = &id
		}
		var body entryBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}

		result, err := svc.SubmitEntry(r.Context(), model.RequestContextFrom(r.Context()), formID,
			forms.EntryInput{Data: body.Data, Status: body.Status}, instanceID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, result)
	}
}

func handleListEntries(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formID, err := pathID(r, "formId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		entries, err := svc.ListEntries(r.Context(), model.RequestContextFrom(r.Context()), formID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, entries)
	}
}

func handleMyEntries(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formID, err := pathID(r, "formId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		entries, err := svc.MyEntries(r.Context(), model.RequestContextFrom(r.Context()), formID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, entries)
	}
}

func handleUpdateEntry(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, err := pathID(r, "entryId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var body entryBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}

		entry, err := svc.UpdateEntry(r.Context(), model.RequestContextFrom(r.Context()), entryID,
			forms.EntryInput{Data: body.Data, Status: body.Status})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, entry)
	}
}

func handleDeleteEntry(svc *forms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, err := pathID(r, "entryId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if err := svc.DeleteEntry(r.Context(), model.RequestContextFrom(r.Context()), entryID); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
