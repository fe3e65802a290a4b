package retrieval

const relevancePrompt = `You grade whether a document is useful for a task.
Give a binary score, 'yes' or 'no', telling whether the document helps to solve the task.

Context:
%s`

const summaryPrompt = `You summarise a document, keeping only the information useful for a task.
The summary must be concise, precise and grounded in the document.
If the document holds nothing relevant to the task, answer "Nothing useful".
Do not solve the task. Only give the context information for it.`

const mergePrompt = `You build context information for a task from document summaries.
Concatenate the useful parts of the summaries concisely and accurately.
Combine the result with the previous context so nothing relevant from it is lost.
Do not solve the task. Only give the context information for it.
Stay grounded in the task and the summaries.`
