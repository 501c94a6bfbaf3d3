package transport

import (
	"net/http"

	"github.com/pitabwire/recordflow/internal/definition"
	"github.com/pitabwire/recordflow/internal/workflow"
	"github.com/pitabwire/recordflow/model"
)

type definitionBody struct {
	Name  *string      `json:"name"`
	Steps []model.Step `json:"steps"`
}

func handleListDefinitions(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := defs.List(r.Context(), model.RequestContextFrom(r.Context()))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

func handleCreateDefinition(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body definitionBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		name := ""
		if body.Name != nil {
			name = *body.Name
		}

		def, err := defs.Create(r.Context(), model.RequestContextFrom(r.Context()), name, body.Steps)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, def)
	}
}

func handleGetDefinition(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "workflowId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		def, err := defs.Get(r.Context(), model.RequestContextFrom(r.Context()), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleUpdateDefinition(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "workflowId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var body definitionBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}

		def, err := defs.Update(r.Context(), model.RequestContextFrom(r.Context()), id, definition.UpdateInput{
			Name:  body.Name,
			Steps: body.Steps,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDeleteDefinition(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "workflowId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if err := defs.Delete(r.Context(), model.RequestContextFrom(r.Context()), id); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStartInstance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "workflowId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		body := struct {
			EntityType string `json:"entity_type"`
			EntityID   int64  `json:"entity_id"`
		}{EntityType: model.EntityTypeWorkflow}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}

		inst, created, err := engine.StartInstance(r.Context(), model.RequestContextFrom(r.Context()), id, body.EntityType, body.EntityID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		WriteJSON(w, status, inst)
	}
}

func handleListInstances(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "workflowId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		list, err := engine.ListInstances(r.Context(), model.RequestContextFrom(r.Context()), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

func handleListMyTasks(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := engine.ListMyTasks(r.Context(), model.RequestContextFrom(r.Context()))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, tasks)
	}
}

func handleGetInstance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "instanceId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		inst, err := engine.Get(r.Context(), model.RequestContextFrom(r.Context()), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "instanceId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		logs, err := engine.History(r.Context(), model.RequestContextFrom(r.Context()), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, logs)
	}
}

func handleTransitionInstance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "instanceId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		var body struct {
			Comment string `json:"comment"`
			Action  string `json:"action"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}

		inst, err := engine.Transition(r.Context(), model.RequestContextFrom(r.Context()), id, body.Comment, body.Action)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleDeleteInstance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "instanceId")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if err := engine.Delete(r.Context(), model.RequestContextFrom(r.Context()), id); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
